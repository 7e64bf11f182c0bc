package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// referenceOpen and referenceClose delimit the two reference forms
// spec §3/§4.6 define: {{steps.<id>.<path>}} and {{task.<field>}}.
const (
	referenceOpen  = "{{"
	referenceClose = "}}"
)

// IsReference reports whether a raw input value is a reference string.
func IsReference(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, referenceOpen) && strings.HasSuffix(s, referenceClose) {
		return strings.TrimSpace(s[len(referenceOpen) : len(s)-len(referenceClose)]), true
	}
	return "", false
}

// ParsedReference is a decomposed {{steps.X.field.subfield}} or
// {{task.field}} reference.
type ParsedReference struct {
	IsTask bool
	StepID string
	Path   []string
}

// ParseReference decomposes the inner expression of a reference (the part
// between {{ and }}).
func ParseReference(expr string) (*ParsedReference, error) {
	parts := strings.Split(expr, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed reference %q", expr)
	}
	switch parts[0] {
	case "task":
		return &ParsedReference{IsTask: true, Path: parts[1:]}, nil
	case "steps":
		if len(parts) < 3 {
			return nil, fmt.Errorf("malformed step reference %q", expr)
		}
		return &ParsedReference{StepID: parts[1], Path: parts[2:]}, nil
	default:
		return nil, fmt.Errorf("unknown reference root %q", parts[0])
	}
}

// ResolvePath walks dotted keys and integer indices through a value tree,
// matching the JSON-path semantics spec §4.6 calls for.
func ResolvePath(root interface{}, path []string) (interface{}, bool) {
	cur := root
	for _, seg := range path {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ResolveTaskField resolves the limited set of top-level task fields a
// {{task.<field>}} reference may address.
func ResolveTaskField(t *Task, field string) (interface{}, bool) {
	switch field {
	case "id":
		return t.ID, true
	case "goal":
		return t.Goal, true
	case "status":
		return string(t.Status), true
	default:
		if v, ok := t.Metadata[field]; ok {
			return v, true
		}
		return nil, false
	}
}
