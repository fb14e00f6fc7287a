package fieldpath

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Segment is one step of a parsed field path: either a map key or an
// array element addressed by its "id" field.
type Segment struct {
	Key    string
	ElemID string
	IsElem bool
}

func Key(name string) Segment {
	return Segment{Key: name}
}

func Elem(id string) Segment {
	return Segment{ElemID: id, IsElem: true}
}

// Path is an immutable sequence of segments. Paths are built once by
// the differ and carried through classification and resolution, so
// strategies never re-parse path strings.
type Path []Segment

func (p Path) Child(s Segment) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, s)
}

func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.IsElem {
			fmt.Fprintf(&b, "[%s]", s.ElemID)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// Paths marshal as their string form so API payloads stay readable.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Path) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Root returns the first map key of the path, the field name the
// severity table is keyed by.
func (p Path) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].Key
}

// Parse turns "subtasks[2].done" back into segments. The inverse of
// String; malformed bracket pairs yield an error.
func Parse(raw string) (Path, error) {
	var p Path
	for _, part := range strings.Split(raw, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				p = append(p, Key(part))
				break
			}
			if open > 0 {
				p = append(p, Key(part[:open]))
			}
			closing := strings.IndexByte(part, ']')
			if closing < open {
				return nil, fmt.Errorf("malformed field path %q", raw)
			}
			p = append(p, Elem(part[open+1:closing]))
			part = part[closing+1:]
		}
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("empty field path")
	}
	return p, nil
}

// Get walks the path through a document body. Elem segments select the
// array element whose "id" field matches.
func Get(data map[string]any, p Path) (any, bool) {
	var cur any = data
	for _, seg := range p {
		if seg.IsElem {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			cur = nil
			found := false
			for _, e := range arr {
				if elemID(e) == seg.ElemID {
					cur = e
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.Key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a value at the path, creating intermediate maps and
// appending array elements that are not present yet. Elem segments that
// terminate the path replace (or append) the whole element.
func Set(data map[string]any, p Path, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("empty field path")
	}
	return setIn(data, p, value)
}

func setIn(container any, p Path, value any) error {
	seg := p[0]
	if seg.IsElem {
		return fmt.Errorf("field path may not start with an element segment")
	}
	m, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot descend into non-object at %q", seg.Key)
	}
	if len(p) == 1 {
		m[seg.Key] = value
		return nil
	}

	next := p[1]
	if next.IsElem {
		arr, ok := m[seg.Key].([]any)
		if !ok && m[seg.Key] != nil {
			return fmt.Errorf("cannot index non-array at %q", seg.Key)
		}
		idx := -1
		for i, e := range arr {
			if elemID(e) == next.ElemID {
				idx = i
				break
			}
		}
		if len(p) == 2 {
			if idx >= 0 {
				arr[idx] = value
			} else {
				arr = append(arr, value)
			}
			m[seg.Key] = arr
			return nil
		}
		if idx == -1 {
			arr = append(arr, map[string]any{"id": next.ElemID})
			idx = len(arr) - 1
			m[seg.Key] = arr
		}
		return setIn(arr[idx], p[2:], value)
	}

	child, ok := m[seg.Key].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[seg.Key] = child
	}
	return setIn(child, p[1:], value)
}

// Delete removes the field (or array element) the path points at.
// Missing intermediate containers are a no-op.
func Delete(data map[string]any, p Path) {
	if len(p) == 0 {
		return
	}
	last := p[len(p)-1]

	if last.IsElem {
		// Removing an element rewrites the slice in its owning map.
		if len(p) < 2 || p[len(p)-2].IsElem {
			return
		}
		holder, ok := Get(data, p[:len(p)-2])
		if !ok {
			return
		}
		m, ok := holder.(map[string]any)
		if !ok {
			return
		}
		key := p[len(p)-2].Key
		arr, ok := m[key].([]any)
		if !ok {
			return
		}
		out := make([]any, 0, len(arr))
		for _, e := range arr {
			if elemID(e) != last.ElemID {
				out = append(out, e)
			}
		}
		m[key] = out
		return
	}

	holder, ok := Get(data, p[:len(p)-1])
	if !ok {
		return
	}
	if m, ok := holder.(map[string]any); ok {
		delete(m, last.Key)
	}
}

func elemID(e any) string {
	m, ok := e.(map[string]any)
	if !ok {
		return ""
	}
	return fmt.Sprint(m["id"])
}
