package graph

import (
	"github.com/bobg/zvc"
)

// Conflicts compares two change sets made from the same base
// and reports where they overlap, or nil if they are disjoint.
//
// Two changes overlap when
// both touch the same node (unless both delete it),
// both write the same chunk,
// one deletes or replaces a node the other changes anything beneath,
// or one updates an array's metadata while the other writes its chunks.
func Conflicts(ours, theirs *Changes) *zvc.ConflictError {
	var (
		nodes  = make(map[zvc.Path]bool)
		chunks = make(map[zvc.Path]map[string]bool)
	)

	for p, oc := range ours.Nodes {
		if tc, ok := theirs.Nodes[p]; ok && !(oc.Type == Deleted && tc.Type == Deleted) {
			nodes[p] = true
		}
	}

	covering := func(a, b *Changes) {
		for p, c := range a.Nodes {
			switch c.Type {
			case Deleted, Replaced:
				for q := range b.Nodes {
					if q != p && p.Contains(q) {
						nodes[p] = true
					}
				}
				for q := range b.Chunks {
					if p.Contains(q) {
						nodes[p] = true
					}
				}
			case Updated:
				if c.Kind == zvc.ArrayKind && len(b.Chunks[p]) > 0 {
					nodes[p] = true
				}
			}
		}
	}
	covering(ours, theirs)
	covering(theirs, ours)

	for p, oc := range ours.Chunks {
		tk := theirs.Chunks[p]
		for k := range oc {
			if tk[k] {
				if chunks[p] == nil {
					chunks[p] = make(map[string]bool)
				}
				chunks[p][k] = true
			}
		}
	}

	if len(nodes) == 0 && len(chunks) == 0 {
		return nil
	}

	result := new(zvc.ConflictError)
	for p := range nodes {
		result.Nodes = append(result.Nodes, p)
	}
	for p, m := range chunks {
		for k := range m {
			result.Chunks = append(result.Chunks, zvc.ChunkCoord{Path: p, Index: zvc.IndexFromKey(k)})
		}
	}
	result.Sort()
	return result
}
