package domain

import "strings"

// TreePath is an ordered sequence of field-name segments locating a node
// inside a data tree. An empty path denotes the tree root.
type TreePath struct {
	segments []InternedString
}

// RootPath is the empty TreePath.
func RootPath() TreePath {
	return TreePath{}
}

// NewTreePath builds a TreePath from plain string segments.
func NewTreePath(segments ...string) TreePath {
	tp := TreePath{segments: make([]InternedString, len(segments))}
	for i, s := range segments {
		tp.segments[i] = NewInternedString(s)
	}
	return tp
}

// ParseDotted parses the dotted external form ("a.b.c") into a TreePath.
// An empty string parses to the root path.
func ParseDotted(s string) TreePath {
	if s == "" {
		return RootPath()
	}
	return NewTreePath(strings.Split(s, ".")...)
}

// ParseURLPath parses the URL external form ("/a/b/c") into a TreePath.
// Leading and trailing slashes are ignored; "/" and "" both parse to root.
func ParseURLPath(s string) TreePath {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return RootPath()
	}
	return NewTreePath(strings.Split(trimmed, "/")...)
}

// Segments returns the path's field names in order.
func (p TreePath) Segments() []string {
	out := make([]string, len(p.segments))
	for i, s := range p.segments {
		out[i] = s.String()
	}
	return out
}

// Len returns the number of segments.
func (p TreePath) Len() int {
	return len(p.segments)
}

// IsRoot reports whether p addresses the tree root.
func (p TreePath) IsRoot() bool {
	return len(p.segments) == 0
}

// Head returns the first segment and the remainder of the path.
// Calling Head on the root path returns ok=false.
func (p TreePath) Head() (segment string, rest TreePath, ok bool) {
	if len(p.segments) == 0 {
		return "", TreePath{}, false
	}
	return p.segments[0].String(), TreePath{segments: p.segments[1:]}, true
}

// Parent returns the path with its final segment removed, and that final
// segment. Calling Parent on the root path returns ok=false.
func (p TreePath) Parent() (parent TreePath, last string, ok bool) {
	if len(p.segments) == 0 {
		return TreePath{}, "", false
	}
	n := len(p.segments)
	return TreePath{segments: append([]InternedString(nil), p.segments[:n-1]...)}, p.segments[n-1].String(), true
}

// Child returns a new TreePath with segment appended.
func (p TreePath) Child(segment string) TreePath {
	next := make([]InternedString, len(p.segments)+1)
	copy(next, p.segments)
	next[len(p.segments)] = NewInternedString(segment)
	return TreePath{segments: next}
}

// Dotted renders the path in dotted external form.
func (p TreePath) Dotted() string {
	return strings.Join(p.Segments(), ".")
}

// URLPath renders the path in URL external form.
func (p TreePath) URLPath() string {
	return "/" + strings.Join(p.Segments(), "/")
}

// String implements fmt.Stringer using the dotted form.
func (p TreePath) String() string {
	return p.Dotted()
}

// Equal reports whether two paths address the same node.
func (p TreePath) Equal(other TreePath) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a prefix of p (prefix == p counts).
func (p TreePath) HasPrefix(prefix TreePath) bool {
	if len(prefix.segments) > len(p.segments) {
		return false
	}
	for i := range prefix.segments {
		if prefix.segments[i] != p.segments[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether p and other are equal, or one is a prefix
// (ancestor) of the other — the relation the planner uses to derive
// dependency edges between a task's output and another task's inputs.
func (p TreePath) Overlaps(other TreePath) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}
