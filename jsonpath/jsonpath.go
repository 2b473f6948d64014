// Package jsonpath implements the dot/bracket path expressions used by
// request and response templates to project values in and out of arbitrary
// JSON documents.
//
// A path is a sequence of steps separated by ".": an all-digit step addresses
// an array position, any other step addresses an object key. An optional
// leading "$." root marker is stripped and bracket segments ("[n]") are
// flattened, so "$.choices[0].message.content" and "choices.0.message.content"
// parse to the same path.
package jsonpath

import (
	"errors"
	"strconv"
	"strings"
)

type (
	// Step is one navigation step of a parsed path. It is either a Key
	// (object member) or an Index (array position).
	Step interface {
		step()
		String() string
	}

	// Key addresses an object member by name.
	Key string

	// Index addresses an array element by zero-based position.
	Index int

	// Path is a parsed path expression.
	Path struct {
		raw   string
		steps []Step
	}
)

func (Key) step()   {}
func (Index) step() {}

// String returns the key name.
func (k Key) String() string { return string(k) }

// String returns the decimal index.
func (i Index) String() string { return strconv.Itoa(int(i)) }

// ErrEmptyPath is returned by Parse when the expression contains no steps.
var ErrEmptyPath = errors.New("jsonpath: empty path expression")

// Parse parses a path expression. It strips an optional "$." prefix, splits
// on any of ".", "[" and "]" and discards empty segments. A segment made of
// decimal digits becomes an Index; everything else (including negative
// numbers such as "-1") becomes a Key.
func Parse(expr string) (Path, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(expr), "$.")
	segments := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == '.' || r == '[' || r == ']'
	})
	if len(segments) == 0 {
		return Path{}, ErrEmptyPath
	}
	steps := make([]Step, 0, len(segments))
	for _, seg := range segments {
		if isDecimal(seg) {
			n, err := strconv.Atoi(seg)
			if err != nil {
				return Path{}, errors.New("jsonpath: invalid index segment " + strconv.Quote(seg))
			}
			steps = append(steps, Index(n))
			continue
		}
		steps = append(steps, Key(seg))
	}
	return Path{raw: expr, steps: steps}, nil
}

// MustParse is Parse for paths known to be valid, typically package-level
// constants in tests.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression the path was parsed from.
func (p Path) String() string { return p.raw }

// Steps returns the parsed steps in evaluation order.
func (p Path) Steps() []Step { return p.steps }

// Lookup walks doc along the path. The boolean result reports whether the
// path resolved: a missing key, an out-of-range index or a nil intermediate
// node all yield (nil, false) rather than an error, so callers can tell
// "not found" apart from an explicit null value at the leaf.
func (p Path) Lookup(doc any) (any, bool) {
	node := doc
	for _, s := range p.steps {
		if node == nil {
			return nil, false
		}
		switch step := s.(type) {
		case Key:
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			child, ok := obj[string(step)]
			if !ok {
				return nil, false
			}
			node = child
		case Index:
			switch n := node.(type) {
			case []any:
				if int(step) < 0 || int(step) >= len(n) {
					return nil, false
				}
				node = n[int(step)]
			case map[string]any:
				// JSON objects may carry numeric keys; an index step
				// addresses the corresponding decimal member.
				child, ok := n[step.String()]
				if !ok {
					return nil, false
				}
				node = child
			default:
				return nil, false
			}
		}
	}
	return node, true
}

// Set assigns v at the path inside doc and returns the (possibly new) root.
// Missing intermediate nodes are materialized as arrays when the next step is
// an index and as objects otherwise. Arrays grow with nulls as needed so the
// indexed slot exists. The input document is modified in place where
// containers already exist.
func (p Path) Set(doc any, v any) any {
	return assign(doc, p.steps, v)
}

func assign(node any, steps []Step, v any) any {
	if len(steps) == 0 {
		return v
	}
	switch step := steps[0].(type) {
	case Key:
		obj, ok := node.(map[string]any)
		if !ok {
			obj = make(map[string]any)
		}
		obj[string(step)] = assign(obj[string(step)], steps[1:], v)
		return obj
	case Index:
		arr, ok := node.([]any)
		if !ok {
			if obj, isObj := node.(map[string]any); isObj {
				// Preserve existing objects with numeric keys.
				obj[step.String()] = assign(obj[step.String()], steps[1:], v)
				return obj
			}
			arr = nil
		}
		for len(arr) <= int(step) {
			arr = append(arr, nil)
		}
		arr[int(step)] = assign(arr[int(step)], steps[1:], v)
		return arr
	}
	return node
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
