package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/ratelimit/models"
)

// File is the on-disk policy document.
type File struct {
	Routes []RouteSpec `yaml:"routes"`
}

// RouteSpec is one route entry of a policy document.
type RouteSpec struct {
	Pattern        string   `yaml:"pattern"`
	Method         string   `yaml:"method"`
	MinRole        string   `yaml:"min_role"`
	Permissions    []string `yaml:"permissions"`
	MFARequired    bool     `yaml:"mfa_required"`
	Destructive    bool     `yaml:"destructive"`
	RateLimitClass string   `yaml:"rate_limit_class"`
}

// LoadFile reads and builds a snapshot from a YAML policy file.
func LoadFile(path string, opts BuildOptions) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(bytes.NewReader(raw), opts)
}

// Load decodes a YAML policy document. Unknown keys are rejected so a typo
// cannot silently drop a restriction.
func Load(r io.Reader, opts BuildOptions) (*Snapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc File
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("policy file is empty")
		}
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	return doc.Build(opts)
}

// Build converts the document into a validated snapshot.
func (f File) Build(opts BuildOptions) (*Snapshot, error) {
	if len(f.Routes) == 0 {
		return nil, errors.New("policy file declares no routes")
	}

	b := NewBuilder(opts)
	var errs []error
	for i, spec := range f.Routes {
		p, err := spec.toPolicy()
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d] %q: %w", i, spec.Pattern, err))
			continue
		}
		b.Register(spec.Method, spec.Pattern, p)
	}

	snap, err := b.Build()
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snap, nil
}

func (s RouteSpec) toPolicy() (RoutePolicy, error) {
	role, err := ParseRole(s.MinRole)
	if err != nil {
		return RoutePolicy{}, err
	}
	class, err := models.ParseClass(s.RateLimitClass)
	if err != nil {
		return RoutePolicy{}, err
	}
	perms := make([]Permission, len(s.Permissions))
	for i, p := range s.Permissions {
		perms[i] = Permission(p)
	}
	set, err := NewPermissionSet(perms...)
	if err != nil {
		return RoutePolicy{}, err
	}
	return RoutePolicy{
		MinRole:             role,
		RequiredPermissions: set,
		MFARequired:         s.MFARequired,
		Destructive:         s.Destructive,
		RateLimitClass:      class,
	}, nil
}
