package urlmatch

import (
	"strings"

	"github.com/fabian4/routegate/internal/model"
)

// Expand substitutes captured values into a downstream path template.
// Placeholders without a value are left as written.
func Expand(downstream string, values []model.PlaceholderValue) string {
	if len(values) == 0 || strings.IndexByte(downstream, '{') < 0 {
		return downstream
	}
	pairs := make([]string, 0, 2*len(values))
	for _, v := range values {
		pairs = append(pairs, "{"+v.Name+"}", v.Value)
	}
	return strings.NewReplacer(pairs...).Replace(downstream)
}

// SplitQuery separates "/path?a=b" into "/path" and "a=b".
func SplitQuery(pathAndQuery string) (path, query string) {
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		return pathAndQuery[:i], pathAndQuery[i+1:]
	}
	return pathAndQuery, ""
}
