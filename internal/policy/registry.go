package policy

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// BuildOptions are the boot-time flags that shape a snapshot.
type BuildOptions struct {
	// AdminMFARequired forces MFA on every policy whose minimum role is org_admin or above.
	AdminMFARequired bool
}

// Builder collects registrations for one snapshot. It is not safe for concurrent use.
type Builder struct {
	opts    BuildOptions
	entries []entry
	errs    []error
}

type entry struct {
	pattern pattern
	policy  RoutePolicy
}

func NewBuilder(opts BuildOptions) *Builder {
	return &Builder{opts: opts}
}

// Register adds a pattern. Errors are collected and reported by Build.
func (b *Builder) Register(method, rawPattern string, p RoutePolicy) {
	parsed, err := parsePattern(method, rawPattern)
	if err != nil {
		b.errs = append(b.errs, err)
		return
	}
	if !p.MinRole.IsValid() {
		b.errs = append(b.errs, fmt.Errorf("pattern %q: invalid minimum role", rawPattern))
		return
	}
	if !p.RateLimitClass.IsValid() {
		b.errs = append(b.errs, fmt.Errorf("pattern %q: invalid rate limit class %q", rawPattern, p.RateLimitClass))
		return
	}

	p.Pattern = parsed.raw
	p.Method = parsed.method
	p.Implicit = false
	if p.Destructive {
		p.MFARequired = true
	}
	if b.opts.AdminMFARequired && p.MinRole.AtLeast(RoleOrgAdmin) {
		p.MFARequired = true
	}
	b.entries = append(b.entries, entry{pattern: parsed, policy: p})
}

// Build validates the registrations and produces an immutable snapshot.
// Malformed or overlapping patterns fail the whole build.
func (b *Builder) Build() (*Snapshot, error) {
	errs := append([]error(nil), b.errs...)
	seen := make(map[string]string, len(b.entries))
	for _, e := range b.entries {
		shape := e.pattern.shape()
		if prev, ok := seen[shape]; ok {
			errs = append(errs, fmt.Errorf("pattern %s %q overlaps %q", e.pattern.method, e.pattern.raw, prev))
			continue
		}
		seen[shape] = e.pattern.raw
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	entries := make([]entry, len(b.entries))
	copy(entries, b.entries)
	return &Snapshot{entries: entries}, nil
}

// Snapshot is an immutable set of route policies.
type Snapshot struct {
	entries []entry
}

// Lookup returns the most specific policy matching the request, or DenyAll.
func (s *Snapshot) Lookup(method, path string) RoutePolicy {
	if s == nil {
		return DenyAll()
	}
	segments := splitPath(path)
	var best *entry
	for i := range s.entries {
		e := &s.entries[i]
		if !e.pattern.matches(method, segments) {
			continue
		}
		if best == nil || e.pattern.moreSpecific(best.pattern) {
			best = e
		}
	}
	if best == nil {
		return DenyAll()
	}
	return best.policy
}

// Len returns the number of registered patterns.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Policies returns a copy of the registered policies in registration order.
func (s *Snapshot) Policies() []RoutePolicy {
	if s == nil {
		return nil
	}
	out := make([]RoutePolicy, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.policy
	}
	return out
}

// Registry serves lookups from the current snapshot. Reload swaps the whole
// snapshot atomically; in-flight lookups keep the snapshot they loaded.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry serving the given snapshot.
func NewRegistry(initial *Snapshot) (*Registry, error) {
	if initial == nil {
		return nil, errors.New("policy registry requires an initial snapshot")
	}
	r := &Registry{}
	r.current.Store(initial)
	return r, nil
}

// Lookup resolves the policy for a request against the current snapshot.
func (r *Registry) Lookup(method, path string) RoutePolicy {
	return r.current.Load().Lookup(method, path)
}

// Snapshot returns the snapshot currently served.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload replaces the served snapshot.
func (r *Registry) Reload(next *Snapshot) error {
	if next == nil {
		return errors.New("policy registry reload requires a snapshot")
	}
	r.current.Store(next)
	return nil
}
