package script

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params maps bracketed placeholder names, such as "[diam]", to values.
// Supported value types are string, bool, the integer kinds, float32 and
// float64. Strings are inserted verbatim, so quoted SPIDER file names must
// carry their own quotes (see Quote).
type Params map[string]any

// Merge returns a new Params holding p overlaid with other.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	maps.Copy(out, p)
	maps.Copy(out, other)
	return out
}

// Format renders a parameter value the way it is written into a script.
func Format(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return formatFloat(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", errors.Errorf("unsupported parameter type %T", v)
}

// formatFloat writes whole numbers with a trailing ".0" so SPIDER reads them
// as reals.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Quote wraps a SPIDER file reference in single quotes.
func Quote(s string) string {
	return "'" + s + "'"
}

// ExpandList expands a whitespace separated value list into exactly n
// entries. An entry "NxV" stands for V repeated N times. A list shorter than
// n is padded with its last entry; a longer list is kept as is. Entries are
// kept as written.
func ExpandList(values string, n int) ([]string, error) {
	var out []string
	for _, tok := range strings.Fields(values) {
		parts := strings.Split(tok, "x")
		switch len(parts) {
		case 1:
			out = append(out, tok)
		case 2:
			count, err := strconv.Atoi(parts[0])
			if err != nil || count < 0 {
				return nil, errors.Errorf("invalid repeat count in %q", tok)
			}
			if parts[1] == "" {
				return nil, errors.Errorf("missing value in %q", tok)
			}
			for range count {
				out = append(out, parts[1])
			}
		default:
			return nil, errors.Errorf("more than one 'x' in %q", tok)
		}
	}
	if len(out) == 0 {
		return out, nil
	}
	last := out[len(out)-1]
	for len(out) < n {
		out = append(out, last)
	}
	return out, nil
}

// JoinList renders an expanded list as a quoted, comma separated SPIDER
// string such as '3.3,3,2'.
func JoinList(values []string) string {
	return Quote(strings.Join(values, ","))
}

// ExpandJoin is ExpandList followed by JoinList.
func ExpandJoin(values string, n int) (string, error) {
	list, err := ExpandList(values, n)
	if err != nil {
		return "", err
	}
	return JoinList(list), nil
}
