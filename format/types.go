package format

import (
	"sort"
	"time"

	"github.com/bobg/zvc"
)

// Node is a group or an array in the node tree.
// A group's children are referenced by content address,
// so a node's id covers its whole subtree.
type Node struct {
	Kind       zvc.NodeKind `msgpack:"k"`
	Attributes []byte       `msgpack:"a,omitempty"`

	// Groups only. Sorted by Name.
	Children []Child `msgpack:"c,omitempty"`

	// Arrays only.
	Array     *zvc.ArrayMetadata `msgpack:"m,omitempty"`
	ShardSpan []uint32           `msgpack:"s,omitempty"`
	Shards    []ShardRef         `msgpack:"sh,omitempty"` // sorted by Key
}

// Child is an entry in a group.
type Child struct {
	Name string       `msgpack:"n"`
	Kind zvc.NodeKind `msgpack:"k"`
	ID   zvc.ObjectID `msgpack:"id"`
}

// ShardRef locates the manifest shard covering one block of chunk-index space.
// Key is the block's position, i.e. each chunk index divided by the array's ShardSpan.
type ShardRef struct {
	Key zvc.Index    `msgpack:"key"`
	ID  zvc.ObjectID `msgpack:"id"`
}

// Child finds the child with the given name.
func (n *Node) Child(name string) (Child, bool) {
	i := sort.Search(len(n.Children), func(i int) bool { return n.Children[i].Name >= name })
	if i < len(n.Children) && n.Children[i].Name == name {
		return n.Children[i], true
	}
	return Child{}, false
}

// Shard is an immutable piece of an array's manifest.
type Shard struct {
	Entries []Entry `msgpack:"e"` // sorted by Index
}

// Entry maps one chunk index to its payload.
type Entry struct {
	Index   zvc.Index        `msgpack:"i"`
	Payload zvc.ChunkPayload `msgpack:"p"`
}

// Lookup finds the payload for idx.
func (s *Shard) Lookup(idx zvc.Index) (zvc.ChunkPayload, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return !s.Entries[i].Index.Less(idx) })
	if i < len(s.Entries) && s.Entries[i].Index.Equal(idx) {
		return s.Entries[i].Payload, true
	}
	return zvc.ChunkPayload{}, false
}

// Snapshot is an immutable point in a repository's history.
type Snapshot struct {
	Parent     zvc.ObjectID   `msgpack:"p"` // zero for the initial snapshot
	Timestamp  int64          `msgpack:"t"` // Unix nanoseconds
	Message    string         `msgpack:"msg"`
	Root       zvc.ObjectID   `msgpack:"root"`
	Manifests  []zvc.ObjectID `msgpack:"mf,omitempty"` // shards written by this commit, sorted
	Properties []Property     `msgpack:"props,omitempty"`
}

// Property is a user-supplied key/value pair attached to a snapshot.
type Property struct {
	Key   string `msgpack:"k"`
	Value string `msgpack:"v"`
}

// HasParent tells whether s is anything other than the initial snapshot.
func (s *Snapshot) HasParent() bool {
	return !s.Parent.IsZero()
}

// Time is the snapshot's timestamp.
func (s *Snapshot) Time() time.Time {
	return time.Unix(0, s.Timestamp).UTC()
}

// Property looks up a property by key.
func (s *Snapshot) Property(key string) (string, bool) {
	for _, p := range s.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Props converts m to a sorted slice of properties.
func Props(m map[string]string) []Property {
	if len(m) == 0 {
		return nil
	}
	result := make([]Property, 0, len(m))
	for k, v := range m {
		result = append(result, Property{Key: k, Value: v})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Ref is the stored value of a branch or tag.
type Ref struct {
	Snapshot zvc.ObjectID `msgpack:"s"`
}
