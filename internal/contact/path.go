package contact

import (
	"strconv"
	"strings"
)

// Segment is one step of a parsed field path: either a named field or an
// array index. Re-architected from the source's dotted/indexed path
// strings ("phoneNumbers[0].value") into a parsed sequence per spec §9,
// so callers walk a typed value instead of eval'ing a string.
type Segment struct {
	Field string
	Index int
	IsIdx bool
}

// Path is a parsed sequence of Segments.
type Path []Segment

// ParsePath parses a dotted/indexed path string such as
// "phoneNumbers[0].value" into a Path. It never evaluates the string as
// code — it only tokenizes "name", "name[n]", and "name.sub" forms.
func ParsePath(s string) Path {
	var path Path
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			continue
		}
		field := part
		for {
			open := strings.IndexByte(field, '[')
			if open == -1 {
				if field != "" {
					path = append(path, Segment{Field: field})
				}
				break
			}
			if open > 0 {
				path = append(path, Segment{Field: field[:open]})
			}
			close := strings.IndexByte(field[open:], ']')
			if close == -1 {
				break
			}
			idxStr := field[open+1 : open+close]
			if idx, err := strconv.Atoi(idxStr); err == nil {
				path = append(path, Segment{Index: idx, IsIdx: true})
			}
			field = field[open+close+1:]
			if field == "" {
				break
			}
			if field[0] == '.' {
				field = field[1:]
			}
		}
	}
	return path
}

// String renders the path back to dotted/indexed form.
func (p Path) String() string {
	var sb strings.Builder
	for i, seg := range p {
		if seg.IsIdx {
			sb.WriteString("[")
			sb.WriteString(strconv.Itoa(seg.Index))
			sb.WriteString("]")
			continue
		}
		if i > 0 {
			sb.WriteString(".")
		}
		sb.WriteString(seg.Field)
	}
	return sb.String()
}

// Get walks a generic JSON-decoded value (map[string]any / []any / scalar)
// following the path, returning the value found and whether it existed.
func Get(v any, path Path) (any, bool) {
	cur := v
	for _, seg := range path {
		if seg.IsIdx {
			arr, ok := cur.([]any)
			if !ok || seg.Index < 0 || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, exists := m[seg.Field]
		if !exists {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
