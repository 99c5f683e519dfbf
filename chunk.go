package zvc

import (
	"strconv"
	"strings"
)

// Index is the position of a chunk in an array's chunk grid.
type Index []uint32

func (idx Index) String() string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Key is a compact string form of idx usable as a map key.
func (idx Index) Key() string {
	b := make([]byte, 0, 4*len(idx))
	for _, n := range idx {
		b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return string(b)
}

// IndexFromKey is the inverse of Index.Key.
func IndexFromKey(k string) Index {
	idx := make(Index, len(k)/4)
	for i := range idx {
		idx[i] = uint32(k[4*i])<<24 | uint32(k[4*i+1])<<16 | uint32(k[4*i+2])<<8 | uint32(k[4*i+3])
	}
	return idx
}

func (idx Index) Less(other Index) bool {
	for i := 0; i < len(idx) && i < len(other); i++ {
		if idx[i] != other[i] {
			return idx[i] < other[i]
		}
	}
	return len(idx) < len(other)
}

func (idx Index) Equal(other Index) bool {
	if len(idx) != len(other) {
		return false
	}
	for i := range idx {
		if idx[i] != other[i] {
			return false
		}
	}
	return true
}

// ChunkRef locates chunk bytes in the chunk store.
// Identical chunk bytes always produce identical ChunkRefs.
type ChunkRef struct {
	ID     ObjectID `msgpack:"id"`
	Offset uint64   `msgpack:"off"`
	Length uint64   `msgpack:"len"`
}

// VirtualRef locates chunk bytes in an object the engine does not own,
// such as a byte range of a pre-existing file.
// Location is a URL whose scheme selects the reader, e.g. s3://bucket/key.
//
// The engine cannot guarantee that the external object is unchanged
// or still present.
type VirtualRef struct {
	Location string `msgpack:"loc"`
	Offset   uint64 `msgpack:"off"`
	Length   uint64 `msgpack:"len"`
}

// ChunkPayload is what a manifest entry points to.
// Exactly one field is set.
type ChunkPayload struct {
	Native  *ChunkRef   `msgpack:"n,omitempty"`
	Virtual *VirtualRef `msgpack:"v,omitempty"`
	Inline  []byte      `msgpack:"i,omitempty"`
}

// Equal tells whether two payloads refer to the same bytes.
func (p ChunkPayload) Equal(other ChunkPayload) bool {
	switch {
	case p.Native != nil:
		return other.Native != nil && *p.Native == *other.Native
	case p.Virtual != nil:
		return other.Virtual != nil && *p.Virtual == *other.Virtual
	default:
		return other.Native == nil && other.Virtual == nil && string(p.Inline) == string(other.Inline)
	}
}

// Clone produces a copy of p sharing no memory with it.
func (p ChunkPayload) Clone() ChunkPayload {
	var out ChunkPayload
	if p.Native != nil {
		n := *p.Native
		out.Native = &n
	}
	if p.Virtual != nil {
		v := *p.Virtual
		out.Virtual = &v
	}
	out.Inline = CloneBytes(p.Inline)
	return out
}

// CloneBytes copies b, preserving nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
