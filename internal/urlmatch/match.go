package urlmatch

import (
	"strings"

	"github.com/fabian4/routegate/internal/model"
)

// Result of matching a path against a template. A non-match is not an error.
type Result struct {
	Matched bool
	Values  []model.PlaceholderValue
}

// Match is shorthand for t.Match(path, query).
func Match(path, query string, t *Template) Result {
	return t.Match(path, query)
}

// Match reports whether path (and query, when the template has a query part)
// fits the template, and returns the placeholder values in template order.
// It is safe for concurrent use.
func (t *Template) Match(path, query string) Result {
	if t.root {
		return Result{Matched: path == "" || path == "/"}
	}

	target := path
	if t.queryStart >= 0 {
		target = path + "?" + strings.TrimPrefix(query, "?")
	}

	var values []model.PlaceholderValue
	i, j := 0, 0 // template and target cursors
	for i < len(t.raw) {
		c := t.raw[i]
		if c == '{' {
			end := i + strings.IndexByte(t.raw[i:], '}')
			name := t.raw[i+1 : end]

			var v string
			switch {
			case t.catchAll:
				v, j = target[j:], len(target)
				if end+1 < len(t.raw) {
					v = strings.TrimSuffix(v, "/")
				}
			case t.greedyTail && end == len(t.raw)-1:
				v, j = target[j:], len(target)
			default:
				k := j
				for k < len(target) && !t.stops(target[k], i) {
					k++
				}
				v, j = target[j:k], k
			}
			values = append(values, model.PlaceholderValue{Name: name, Value: v})
			i = end + 1
			continue
		}

		if j < len(target) && t.same(c, target[j]) {
			i++
			j++
			continue
		}
		if j == len(target) {
			if tail, ok := t.emptyTail(i); ok {
				return Result{Matched: true, Values: append(values, tail...)}
			}
		}
		return Result{}
	}

	// Query parameters the template does not mention are allowed.
	if j < len(target) && (t.queryStart < 0 || target[j] != '&') {
		return Result{}
	}
	return Result{Matched: true, Values: values}
}

// stops reports whether b ends the value of the placeholder opening at
// template index at.
func (t *Template) stops(b byte, at int) bool {
	if t.queryStart >= 0 {
		if at > t.queryStart {
			return b == '&'
		}
		return b == '/' || b == '?'
	}
	return b == '/'
}

// emptyTail handles a path that ran out at template index i. A lone trailing
// '/' in the template is optional, and a catch-all binds to "".
func (t *Template) emptyTail(i int) ([]model.PlaceholderValue, bool) {
	rest := t.raw[i:]
	if rest == "/" {
		return nil, true
	}
	if !t.catchAll {
		return nil, false
	}
	name := t.names[0]
	if rest == "/{"+name+"}" || rest == "/{"+name+"}/" {
		return []model.PlaceholderValue{{Name: name, Value: ""}}, true
	}
	return nil, false
}

func (t *Template) same(a, b byte) bool {
	if a == b {
		return true
	}
	return t.foldCase && lower(a) == lower(b)
}

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}
