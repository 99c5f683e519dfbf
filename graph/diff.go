package graph

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/manifest"
	"github.com/bobg/zvc/objects"
)

// ChangeType says what happened to a node.
type ChangeType int

const (
	Added ChangeType = iota + 1
	Deleted
	Updated  // attributes or array metadata changed
	Replaced // the path now holds a node of a different kind
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Updated:
		return "updated"
	case Replaced:
		return "replaced"
	}
	return "unknown"
}

// NodeChange is a change to one node.
// Kind is the node's kind after the change,
// or before it for a deletion.
type NodeChange struct {
	Type ChangeType
	Kind zvc.NodeKind
}

// Changes is a structural change set:
// the nodes and chunks that differ between two trees.
// A group whose only difference is in its children is not itself listed.
// A deleted or replaced node's former descendants are not listed.
type Changes struct {
	Nodes  map[zvc.Path]NodeChange
	Chunks map[zvc.Path]map[string]bool // values are zvc.Index.Key strings
}

// NewChanges produces an empty Changes.
func NewChanges() *Changes {
	return &Changes{
		Nodes:  make(map[zvc.Path]NodeChange),
		Chunks: make(map[zvc.Path]map[string]bool),
	}
}

// AddChunk records a change to the chunk at idx in the array at p.
func (c *Changes) AddChunk(p zvc.Path, idx zvc.Index) {
	m := c.Chunks[p]
	if m == nil {
		m = make(map[string]bool)
		c.Chunks[p] = m
	}
	m[idx.Key()] = true
}

// Empty tells whether c records no changes.
func (c *Changes) Empty() bool {
	return len(c.Nodes) == 0 && len(c.Chunks) == 0
}

// Paths lists the changed node paths in sorted order.
func (c *Changes) Paths() []zvc.Path {
	result := make([]zvc.Path, 0, len(c.Nodes))
	for p := range c.Nodes {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ChunkIndexes lists the changed chunk indexes of the array at p in sorted order.
func (c *Changes) ChunkIndexes(p zvc.Path) []zvc.Index {
	result := make([]zvc.Index, 0, len(c.Chunks[p]))
	for k := range c.Chunks[p] {
		result = append(result, zvc.IndexFromKey(k))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result
}

// Diff computes the structural changes from snapshot a to snapshot b.
func Diff(ctx context.Context, objs *objects.Store, a, b zvc.ObjectID) (*Changes, error) {
	sa, err := objs.GetSnapshot(ctx, a)
	if err != nil {
		return nil, err
	}
	sb, err := objs.GetSnapshot(ctx, b)
	if err != nil {
		return nil, err
	}
	return DiffTrees(ctx, objs, sa.Root, sb.Root)
}

type diffItem struct {
	path zvc.Path
	a, b zvc.ObjectID
}

// DiffTrees computes the structural changes from the node tree rooted at a
// to the one rooted at b.
// Subtrees with equal ids are skipped without being fetched.
func DiffTrees(ctx context.Context, objs *objects.Store, a, b zvc.ObjectID) (*Changes, error) {
	var (
		result = NewChanges()
		work   = []diffItem{{path: zvc.Root, a: a, b: b}}
	)

	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]

		if item.a == item.b {
			continue
		}

		var na, nb *format.Node
		if !item.a.IsZero() {
			n, err := objs.GetNode(ctx, item.a)
			if err != nil {
				return nil, errors.Wrapf(err, "diffing %s", item.path)
			}
			na = n
		}
		if !item.b.IsZero() {
			n, err := objs.GetNode(ctx, item.b)
			if err != nil {
				return nil, errors.Wrapf(err, "diffing %s", item.path)
			}
			nb = n
		}

		switch {
		case na == nil:
			result.Nodes[item.path] = NodeChange{Type: Added, Kind: nb.Kind}
			if nb.Kind == zvc.GroupKind {
				for _, c := range nb.Children {
					work = append(work, diffItem{path: item.path.Join(c.Name), b: c.ID})
				}
				continue
			}

		case nb == nil:
			result.Nodes[item.path] = NodeChange{Type: Deleted, Kind: na.Kind}
			continue

		case na.Kind != nb.Kind:
			result.Nodes[item.path] = NodeChange{Type: Replaced, Kind: nb.Kind}
			continue

		case nb.Kind == zvc.GroupKind:
			if string(na.Attributes) != string(nb.Attributes) {
				result.Nodes[item.path] = NodeChange{Type: Updated, Kind: zvc.GroupKind}
			}
			work = appendChildren(work, item.path, na.Children, nb.Children)
			continue

		default:
			if string(na.Attributes) != string(nb.Attributes) || !na.Array.Equal(nb.Array) {
				result.Nodes[item.path] = NodeChange{Type: Updated, Kind: zvc.ArrayKind}
			}
		}

		// Arrays that were added or kept.
		path := item.path
		err := manifest.Changed(ctx, objs, na, nb, func(idx zvc.Index) error {
			result.AddChunk(path, idx)
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "diffing manifests of %s", path)
		}
	}

	return result, nil
}

// appendChildren pairs up two sorted child lists by name.
func appendChildren(work []diffItem, parent zvc.Path, a, b []format.Child) []diffItem {
	var i, j int
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].Name < b[j].Name):
			work = append(work, diffItem{path: parent.Join(a[i].Name), a: a[i].ID})
			i++
		case i == len(a) || b[j].Name < a[i].Name:
			work = append(work, diffItem{path: parent.Join(b[j].Name), b: b[j].ID})
			j++
		default:
			work = append(work, diffItem{path: parent.Join(a[i].Name), a: a[i].ID, b: b[j].ID})
			i++
			j++
		}
	}
	return work
}
