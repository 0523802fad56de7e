package policy

import (
	"fmt"
	"net/http"
	"strings"
)

type segmentKind uint8

// Ordered by specificity: a higher kind wins a tie-break.
const (
	segWildcard segmentKind = iota + 1
	segParam
	segLiteral
)

type segment struct {
	kind    segmentKind
	literal string
}

// pattern is a parsed route pattern such as "/v1/orgs/{org}/members/*".
type pattern struct {
	raw      string
	method   string
	segments []segment
}

const anyMethod = "*"

var knownMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {}, anyMethod: {},
}

func parsePattern(method, raw string) (pattern, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = anyMethod
	}
	if _, ok := knownMethods[method]; !ok {
		return pattern{}, fmt.Errorf("pattern %q: unsupported method %q", raw, method)
	}
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("pattern %q: must start with /", raw)
	}

	p := pattern{raw: raw, method: method}
	if raw == "/" {
		return p, nil
	}

	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	for i, part := range parts {
		switch {
		case part == "":
			return pattern{}, fmt.Errorf("pattern %q: empty segment", raw)
		case part == "*":
			if i != len(parts)-1 {
				return pattern{}, fmt.Errorf("pattern %q: wildcard must be the last segment", raw)
			}
			p.segments = append(p.segments, segment{kind: segWildcard})
		case strings.HasPrefix(part, "{"):
			if !strings.HasSuffix(part, "}") || len(part) < 3 || strings.ContainsAny(part[1:len(part)-1], "{}") {
				return pattern{}, fmt.Errorf("pattern %q: malformed parameter %q", raw, part)
			}
			p.segments = append(p.segments, segment{kind: segParam})
		case strings.ContainsAny(part, "{}*"):
			return pattern{}, fmt.Errorf("pattern %q: malformed segment %q", raw, part)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: part})
		}
	}
	return p, nil
}

// shape identifies patterns that would tie on every request they both match.
func (p pattern) shape() string {
	var b strings.Builder
	b.WriteString(p.method)
	b.WriteByte(' ')
	for _, s := range p.segments {
		b.WriteByte('/')
		switch s.kind {
		case segLiteral:
			b.WriteString(s.literal)
		case segParam:
			b.WriteString("{}")
		case segWildcard:
			b.WriteString("*")
		}
	}
	return b.String()
}

func (p pattern) matches(method string, path []string) bool {
	if p.method != anyMethod && p.method != method {
		return false
	}
	for i, s := range p.segments {
		if s.kind == segWildcard {
			return len(path) > i
		}
		if i >= len(path) {
			return false
		}
		if s.kind == segLiteral && s.literal != path[i] {
			return false
		}
	}
	return len(path) == len(p.segments)
}

// moreSpecific reports whether p beats q. Segments are compared left to right
// (literal > parameter > wildcard); a concrete method then beats "*".
func (p pattern) moreSpecific(q pattern) bool {
	n := min(len(p.segments), len(q.segments))
	for i := 0; i < n; i++ {
		if p.segments[i].kind != q.segments[i].kind {
			return p.segments[i].kind > q.segments[i].kind
		}
	}
	if len(p.segments) != len(q.segments) {
		return len(p.segments) > len(q.segments)
	}
	return p.method != anyMethod && q.method == anyMethod
}

// splitPath normalizes a request path into segments. Empty segments from
// duplicate or trailing slashes are dropped.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
