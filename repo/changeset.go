package repo

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/graph"
	"github.com/bobg/zvc/manifest"
)

// nodeRecord is the pending state of one node.
type nodeRecord struct {
	Deleted bool `msgpack:"del,omitempty"`

	// Fresh means the node was created in this change set.
	// Whatever the base tree held at or beneath its path is ignored.
	Fresh bool `msgpack:"fresh,omitempty"`

	// Existed means the base tree had a node at this path.
	Existed bool `msgpack:"existed,omitempty"`

	Kind       zvc.NodeKind       `msgpack:"k"`
	Attributes []byte             `msgpack:"a,omitempty"`
	Array      *zvc.ArrayMetadata `msgpack:"m,omitempty"`
}

// changeSet is the set of uncommitted changes in a session.
type changeSet struct {
	nodes  map[zvc.Path]*nodeRecord
	chunks map[zvc.Path]manifest.Changes
}

func newChangeSet() *changeSet {
	return &changeSet{
		nodes:  make(map[zvc.Path]*nodeRecord),
		chunks: make(map[zvc.Path]manifest.Changes),
	}
}

func (cs *changeSet) empty() bool {
	return len(cs.nodes) == 0 && len(cs.chunks) == 0
}

func (cs *changeSet) setChunk(p zvc.Path, idx zvc.Index, payload *zvc.ChunkPayload) {
	c := cs.chunks[p]
	if c == nil {
		c = make(manifest.Changes)
		cs.chunks[p] = c
	}
	c[idx.Key()] = payload
}

// chunk looks up a pending chunk change.
// The payload is nil for a pending deletion.
func (cs *changeSet) chunk(p zvc.Path, idx zvc.Index) (*zvc.ChunkPayload, bool) {
	payload, ok := cs.chunks[p][idx.Key()]
	return payload, ok
}

// dropBeneath removes every record strictly beneath p,
// and p's chunk changes.
func (cs *changeSet) dropBeneath(p zvc.Path) {
	for q := range cs.nodes {
		if q != p && p.Contains(q) {
			delete(cs.nodes, q)
		}
	}
	for q := range cs.chunks {
		if p.Contains(q) {
			delete(cs.chunks, q)
		}
	}
}

// ancestry reports whether some proper ancestor of p is pending deletion
// (so p cannot exist)
// or was created fresh (so the base tree says nothing about p).
func (cs *changeSet) ancestry(p zvc.Path) (deleted, fresh bool) {
	for _, a := range p.Ancestors() {
		if rec, ok := cs.nodes[a]; ok {
			if rec.Deleted {
				return true, false
			}
			if rec.Fresh {
				fresh = true
			}
		}
	}
	return false, fresh
}

// changes expresses cs as a structural change set relative to its base.
func (cs *changeSet) changes() *graph.Changes {
	result := graph.NewChanges()
	for p, rec := range cs.nodes {
		var typ graph.ChangeType
		switch {
		case rec.Deleted:
			typ = graph.Deleted
		case rec.Fresh && rec.Existed:
			typ = graph.Replaced
		case rec.Fresh:
			typ = graph.Added
		default:
			typ = graph.Updated
		}
		result.Nodes[p] = graph.NodeChange{Type: typ, Kind: rec.Kind}
	}
	for p, c := range cs.chunks {
		for k := range c {
			result.AddChunk(p, zvc.IndexFromKey(k))
		}
	}
	return result
}

// dirty lists every path whose node must be rewritten to apply cs,
// deepest first.
func (cs *changeSet) dirty() []zvc.Path {
	set := make(map[zvc.Path]bool)
	add := func(p zvc.Path) {
		for !set[p] {
			set[p] = true
			if p == zvc.Root {
				break
			}
			p = p.Parent()
		}
	}
	for p := range cs.nodes {
		add(p)
	}
	for p := range cs.chunks {
		add(p)
	}

	result := make([]zvc.Path, 0, len(set))
	for p := range set {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		di, dj := result[i].Depth(), result[j].Depth()
		if di != dj {
			return di > dj
		}
		return result[i] < result[j]
	})
	return result
}

type wireChangeSet struct {
	Base   zvc.ObjectID `msgpack:"base"`
	Nodes  []wireNode   `msgpack:"nodes,omitempty"`  // sorted by Path
	Chunks []wireChunk  `msgpack:"chunks,omitempty"` // sorted by Path, then Index
}

type wireNode struct {
	Path   zvc.Path   `msgpack:"p"`
	Record nodeRecord `msgpack:"r"`
}

type wireChunk struct {
	Path    zvc.Path          `msgpack:"p"`
	Index   zvc.Index         `msgpack:"i"`
	Payload *zvc.ChunkPayload `msgpack:"v,omitempty"` // nil for a deletion
}

func (cs *changeSet) encode(base zvc.ObjectID) ([]byte, error) {
	w := wireChangeSet{Base: base}
	for p, rec := range cs.nodes {
		w.Nodes = append(w.Nodes, wireNode{Path: p, Record: *rec})
	}
	sort.Slice(w.Nodes, func(i, j int) bool { return w.Nodes[i].Path < w.Nodes[j].Path })
	for p, c := range cs.chunks {
		for k, payload := range c {
			w.Chunks = append(w.Chunks, wireChunk{Path: p, Index: zvc.IndexFromKey(k), Payload: payload})
		}
	}
	sort.Slice(w.Chunks, func(i, j int) bool {
		if w.Chunks[i].Path != w.Chunks[j].Path {
			return w.Chunks[i].Path < w.Chunks[j].Path
		}
		return w.Chunks[i].Index.Less(w.Chunks[j].Index)
	})
	return format.Encode(format.ChangeSetKind, &w, true)
}

func decodeChangeSet(data []byte) (*changeSet, zvc.ObjectID, error) {
	var w wireChangeSet
	if err := format.Decode(data, format.ChangeSetKind, &w); err != nil {
		return nil, zvc.Zero, errors.Wrap(err, "decoding change set")
	}
	cs := newChangeSet()
	for _, n := range w.Nodes {
		rec := n.Record
		cs.nodes[n.Path] = &rec
	}
	for _, c := range w.Chunks {
		cs.setChunk(c.Path, c.Index, c.Payload)
	}
	return cs, w.Base, nil
}

// merge adds other's changes to cs.
// It fails with a *zvc.ConflictError, leaving cs unchanged,
// if the two overlap.
func (cs *changeSet) merge(other *changeSet) error {
	if c := graph.Conflicts(cs.changes(), other.changes()); c != nil {
		return c
	}
	for p, rec := range other.nodes {
		cs.nodes[p] = rec
	}
	for p, c := range other.chunks {
		for k, payload := range c {
			cs.setChunk(p, zvc.IndexFromKey(k), payload)
		}
	}
	return nil
}
