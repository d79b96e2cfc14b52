package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"

	"airouter/internal/llmerr"
)

// Substitute replaces every {{name}} and {{dotted.path}} reference in text
// with its value from vars. A reference that does not resolve is an
// InvalidParameter failure; validation catches the statically detectable
// cases before execution starts.
func Substitute(text string, vars map[string]any) (string, error) {
	var missing []string
	out := varRef.ReplaceAllStringFunc(text, func(match string) string {
		ref := varRef.FindStringSubmatch(match)[1]
		v, ok := lookupPath(vars, ref)
		if !ok {
			missing = append(missing, ref)
			return match
		}
		return stringify(v)
	})
	if len(missing) > 0 {
		return "", llmerr.New(llmerr.KindInvalidParameter,
			"unresolved variable reference %q", missing[0])
	}
	return out, nil
}

// lookupPath resolves a dotted path through nested mappings and sequences.
// Sequence segments are numeric indexes.
func lookupPath(vars map[string]any, path string) (any, bool) {
	var current any = vars
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '.' {
			end++
		}
		seg := path[start:end]
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
		if end >= len(path) {
			break
		}
		start = end + 1
	}
	return current, true
}

// stringify renders a variable value for text substitution. Scalars render
// plainly; structured values render as compact JSON.
func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case bool:
		return strconv.FormatBool(tv)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(raw)
	}
}
