package zvc

import (
	"strings"

	"github.com/pkg/errors"
)

// Path names a node in the repository tree: "/" for the root group,
// otherwise a slash-separated sequence of names beginning with "/".
type Path string

// Root is the Path of the root group.
const Root Path = "/"

// NewPath validates s and returns it as a Path.
func NewPath(s string) (Path, error) {
	if s == "/" {
		return Root, nil
	}
	if !strings.HasPrefix(s, "/") {
		return "", errors.Errorf("path %q is not absolute", s)
	}
	for _, name := range strings.Split(s[1:], "/") {
		if err := ValidName(name); err != nil {
			return "", errors.Wrapf(err, "path %q", s)
		}
	}
	return Path(s), nil
}

// ValidName checks a single path element.
func ValidName(name string) error {
	switch name {
	case "":
		return errors.New("empty name")
	case ".", "..":
		return errors.Errorf("invalid name %q", name)
	}
	if strings.Contains(name, "/") {
		return errors.Errorf("name %q contains a slash", name)
	}
	return nil
}

// Parent returns the path of p's parent group.
// The root is its own parent.
func (p Path) Parent() Path {
	i := strings.LastIndex(string(p), "/")
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Base returns the last element of p ("" for the root).
func (p Path) Base() string {
	if p == Root {
		return ""
	}
	return string(p[strings.LastIndex(string(p), "/")+1:])
}

// Join returns the path of child name within p.
func (p Path) Join(name string) Path {
	if p == Root {
		return Path("/" + name)
	}
	return Path(string(p) + "/" + name)
}

// Depth is the number of elements in p (0 for the root).
func (p Path) Depth() int {
	if p == Root {
		return 0
	}
	return strings.Count(string(p), "/")
}

// Contains tells whether other is p or lies beneath p.
func (p Path) Contains(other Path) bool {
	if p == Root || p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+"/")
}

// Ancestors returns p's proper ancestors, nearest first, ending with the root.
func (p Path) Ancestors() []Path {
	var result []Path
	for q := p; q != Root; {
		q = q.Parent()
		result = append(result, q)
	}
	return result
}

// Names splits p into its elements.
// The root has none.
func (p Path) Names() []string {
	if p == Root {
		return nil
	}
	return strings.Split(string(p)[1:], "/")
}
