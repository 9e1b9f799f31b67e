package tmpl

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownVariable is returned when the template refers to a name missing from the variables.
var ErrUnknownVariable = errors.New("unknown template variable")

// Vars is the explicit set of values a template may refer to.
type Vars map[string]string

// Merge returns a copy of the variables overridden by the other ones.
func (v Vars) Merge(other Vars) Vars {
	res := make(Vars, len(v)+len(other))
	for k, val := range v {
		res[k] = val
	}
	for k, val := range other {
		res[k] = val
	}
	return res
}

// Render replaces every {name} placeholder with its value.
// Doubled braces produce a literal brace, and a brace that does not open a valid name is kept as is.
func Render(text string, vars Vars) (string, error) {
	var (
		sb      strings.Builder
		missing []string
	)
	sb.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '}' && i+1 < len(text) && text[i+1] == '}' {
			sb.WriteByte('}')
			i++
			continue
		}
		if c != '{' {
			sb.WriteByte(c)
			continue
		}
		if i+1 < len(text) && text[i+1] == '{' {
			sb.WriteByte('{')
			i++
			continue
		}
		end := strings.IndexByte(text[i+1:], '}')
		if end < 0 {
			sb.WriteByte(c)
			continue
		}
		name := text[i+1 : i+1+end]
		if !validName(name) {
			sb.WriteByte(c)
			continue
		}
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
		}
		sb.WriteString(val)
		i += end + 1
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrUnknownVariable, strings.Join(missing, ", "))
	}
	return sb.String(), nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '.'):
		default:
			return false
		}
	}
	return true
}
