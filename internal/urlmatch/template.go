// Package urlmatch matches request paths against upstream path templates such
// as "/api/products/{id}" and extracts the placeholder values.
//
// Matching walks the template and the path in lock-step without
// backtracking. A placeholder captures up to the next '/' (or '&' inside the
// query part), except for a catch-all template, whose single trailing
// placeholder captures the remainder of the path.
package urlmatch

import (
	"fmt"
	"strings"
)

// Options tune how a template is compiled.
type Options struct {
	// CaseInsensitive folds ASCII letters when comparing literals.
	CaseInsensitive bool
	// Downstream is the downstream path template. When it ends with the same
	// placeholder as the upstream template, that placeholder captures the rest
	// of the path, slashes included.
	Downstream string
}

// Template is a compiled upstream path template. It is immutable.
type Template struct {
	raw        string
	names      []string
	literals   int
	queryStart int // index of '?' in raw, -1 when absent
	root       bool
	catchAll   bool
	greedyTail bool
	foldCase   bool
}

// Compile validates raw and precomputes what matching needs.
func Compile(raw string, opts Options) (*Template, error) {
	t := &Template{
		raw:        raw,
		queryStart: strings.IndexByte(raw, '?'),
		root:       raw == "" || raw == "/",
		foldCase:   opts.CaseInsensitive,
	}

	seen := make(map[string]struct{})
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("template %q: unclosed placeholder at %d", raw, i)
			}
			name := raw[i+1 : i+1+end]
			if name == "" {
				return nil, fmt.Errorf("template %q: empty placeholder name at %d", raw, i)
			}
			if strings.ContainsAny(name, "{/") {
				return nil, fmt.Errorf("template %q: invalid placeholder name %q", raw, name)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("template %q: duplicate placeholder %q", raw, name)
			}
			seen[name] = struct{}{}
			t.names = append(t.names, name)
			i += end + 1
		case '}':
			return nil, fmt.Errorf("template %q: unexpected '}' at %d", raw, i)
		default:
			t.literals++
		}
	}

	t.catchAll = isCatchAll(raw, len(t.names))
	if n := len(t.names); n > 0 && !t.catchAll && t.queryStart < 0 {
		last := "{" + t.names[n-1] + "}"
		t.greedyTail = strings.HasSuffix(raw, last) && strings.HasSuffix(opts.Downstream, last)
	}
	return t, nil
}

// isCatchAll reports whether raw has exactly one placeholder, it opens the
// final segment and nothing but an optional '/' follows it.
func isCatchAll(raw string, placeholders int) bool {
	if placeholders != 1 || strings.IndexByte(raw, '?') >= 0 {
		return false
	}
	open := strings.IndexByte(raw, '{')
	if open == 0 || raw[open-1] != '/' {
		return false
	}
	rest := raw[strings.IndexByte(raw, '}')+1:]
	return rest == "" || rest == "/"
}

// String returns the template as written.
func (t *Template) String() string { return t.raw }

// Names lists the placeholder names in template order.
func (t *Template) Names() []string { return t.names }

// CatchAll reports whether the template ends in a catch-all placeholder.
func (t *Template) CatchAll() bool { return t.catchAll }

// HasQuery reports whether the template constrains the query string.
func (t *Template) HasQuery() bool { return t.queryStart >= 0 }

// Specificity ranks competing templates: literal characters minus
// placeholders. Higher is more specific.
func (t *Template) Specificity() int { return t.literals - len(t.names) }
