package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a location inside the document tree. Each segment is
// either a string (object key) or an int/float64 (array index; float64
// appears after a JSON round trip and is treated identically to int).
type Path []interface{}

// Clone returns a shallow copy of p (segments are scalars, so shallow is
// sufficient).
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

func asIndex(seg interface{}) (int, bool) {
	switch v := seg.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// key renders path into a string that unambiguously distinguishes a
// numeric segment from a string segment with the same text, so that
// ["a","1"] and ["a",1] never collide in the LWW/tombstone indexes
// (spec §4.6, "Encode path keys unambiguously").
func (p Path) key() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, seg := range p {
		if idx, ok := asIndex(seg); ok {
			parts[i] = "i:" + strconv.Itoa(idx)
			continue
		}
		s, _ := seg.(string)
		parts[i] = "s:" + s
	}
	return strings.Join(parts, "\x1f")
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = fmt.Sprintf("%v", seg)
	}
	return "/" + strings.Join(parts, "/")
}

// prefixes returns every proper, non-empty ancestor prefix of p: for
// ["a","b","c"] that is ["a"] and ["a","b"]. Used by parent-tombstone
// detection (spec §4.6, decision recorded in SPEC_FULL.md §13.2).
func (p Path) prefixes() []Path {
	if len(p) <= 1 {
		return nil
	}
	out := make([]Path, 0, len(p)-1)
	for i := 1; i < len(p); i++ {
		out = append(out, p[:i])
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = deepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// writeAtPath returns a new document tree with value written at path,
// creating intermediate objects/arrays as needed (spec §4.6 path write
// rules). An empty path replaces the whole document.
func writeAtPath(doc interface{}, path Path, value interface{}) interface{} {
	if len(path) == 0 {
		return value
	}
	return setRecursive(doc, path, value)
}

func setRecursive(node interface{}, path Path, value interface{}) interface{} {
	seg := path[0]
	if idx, ok := asIndex(seg); ok {
		arr, _ := node.([]interface{})
		if idx < 0 {
			idx = 0
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(path) == 1 {
			arr[idx] = value
		} else {
			arr[idx] = setRecursive(arr[idx], path[1:], value)
		}
		return arr
	}

	key, _ := seg.(string)
	obj, ok := node.(map[string]interface{})
	if !ok || obj == nil {
		obj = map[string]interface{}{}
	}
	if len(path) == 1 {
		obj[key] = value
	} else {
		obj[key] = setRecursive(obj[key], path[1:], value)
	}
	return obj
}

// deleteAtPath returns a new document tree with the subtree at path
// removed. An empty path clears the whole document.
func deleteAtPath(doc interface{}, path Path) interface{} {
	if len(path) == 0 {
		return nil
	}
	return deleteRecursive(doc, path)
}

func deleteRecursive(node interface{}, path Path) interface{} {
	seg := path[0]
	if len(path) == 1 {
		if idx, ok := asIndex(seg); ok {
			arr, ok2 := node.([]interface{})
			if ok2 && idx >= 0 && idx < len(arr) {
				arr[idx] = nil
			}
			return arr
		}
		key, _ := seg.(string)
		if obj, ok2 := node.(map[string]interface{}); ok2 {
			delete(obj, key)
			return obj
		}
		return node
	}

	if idx, ok := asIndex(seg); ok {
		arr, ok2 := node.([]interface{})
		if !ok2 || idx < 0 || idx >= len(arr) {
			return node
		}
		arr[idx] = deleteRecursive(arr[idx], path[1:])
		return arr
	}

	key, _ := seg.(string)
	obj, ok2 := node.(map[string]interface{})
	if !ok2 {
		return node
	}
	if child, exists := obj[key]; exists {
		obj[key] = deleteRecursive(child, path[1:])
	}
	return obj
}
