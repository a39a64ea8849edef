package email

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a dot/bracket path such as Messages[0].To.
type segment struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segs []segment
	var key strings.Builder
	flush := func() {
		if key.Len() > 0 {
			segs = append(segs, segment{key: key.String()})
			key.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed bracket in %q", path)
			}
			n, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid index in %q", path)
			}
			segs = append(segs, segment{index: n, isIndex: true})
			i += end
		case ']':
			return nil, fmt.Errorf("unexpected ] in %q", path)
		default:
			key.WriteByte(c)
		}
	}
	flush()
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty path %q", path)
	}
	return segs, nil
}

// lookupPath resolves path against a decoded JSON value. Unknown or
// malformed paths report false.
func lookupPath(node any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	for _, seg := range segs {
		if seg.isIndex {
			arr, ok := node.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			node = arr[seg.index]
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return node, node != nil
}

// setPath writes value at path inside root, creating objects and arrays
// along the way, and returns the (possibly new) root.
func setPath(root any, path string, value any) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return setIn(root, segs, value)
}

func setIn(node any, segs []segment, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	seg := segs[0]
	if seg.isIndex {
		arr, ok := node.([]any)
		if node != nil && !ok {
			return nil, fmt.Errorf("index [%d] applied to non-array", seg.index)
		}
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		child, err := setIn(arr[seg.index], segs[1:], value)
		if err != nil {
			return nil, err
		}
		arr[seg.index] = child
		return arr, nil
	}
	obj, ok := node.(map[string]any)
	if node != nil && !ok {
		return nil, fmt.Errorf("key %q applied to non-object", seg.key)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	child, err := setIn(obj[seg.key], segs[1:], value)
	if err != nil {
		return nil, err
	}
	obj[seg.key] = child
	return obj, nil
}
