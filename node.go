package zvc

import "github.com/pkg/errors"

// NodeKind distinguishes groups from arrays in the node tree.
type NodeKind byte

const (
	GroupKind NodeKind = 1
	ArrayKind NodeKind = 2
)

func (k NodeKind) String() string {
	switch k {
	case GroupKind:
		return "group"
	case ArrayKind:
		return "array"
	}
	return "unknown"
}

// ArrayMetadata describes the shape and element type of an array.
// Interpreting chunk bytes is left to the caller.
type ArrayMetadata struct {
	Shape          []uint64 `msgpack:"shape"`
	ChunkShape     []uint64 `msgpack:"chunks"`
	DataType       string   `msgpack:"dtype"`
	FillValue      []byte   `msgpack:"fill,omitempty"`
	DimensionNames []string `msgpack:"dims,omitempty"`
}

// Validate checks that m describes a well-formed chunk grid.
func (m *ArrayMetadata) Validate() error {
	if len(m.Shape) == 0 {
		return errors.New("array has no dimensions")
	}
	if len(m.ChunkShape) != len(m.Shape) {
		return errors.Errorf("chunk shape has %d dimensions, shape has %d", len(m.ChunkShape), len(m.Shape))
	}
	for i, c := range m.ChunkShape {
		if c == 0 {
			return errors.Errorf("chunk size in dimension %d is zero", i)
		}
	}
	if len(m.DimensionNames) > 0 && len(m.DimensionNames) != len(m.Shape) {
		return errors.Errorf("%d dimension names for %d dimensions", len(m.DimensionNames), len(m.Shape))
	}
	return nil
}

// GridShape is the number of chunks along each dimension.
func (m *ArrayMetadata) GridShape() []uint64 {
	result := make([]uint64, len(m.Shape))
	for i, n := range m.Shape {
		result[i] = (n + m.ChunkShape[i] - 1) / m.ChunkShape[i]
	}
	return result
}

// Contains tells whether idx is a valid chunk index for m.
func (m *ArrayMetadata) Contains(idx Index) bool {
	if len(idx) != len(m.Shape) {
		return false
	}
	grid := m.GridShape()
	for i, n := range idx {
		if uint64(n) >= grid[i] {
			return false
		}
	}
	return true
}

// Equal tells whether m and other describe the same array.
func (m *ArrayMetadata) Equal(other *ArrayMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return equalU64(m.Shape, other.Shape) &&
		equalU64(m.ChunkShape, other.ChunkShape) &&
		m.DataType == other.DataType &&
		string(m.FillValue) == string(other.FillValue) &&
		equalStrings(m.DimensionNames, other.DimensionNames)
}

// Clone produces a deep copy of m.
func (m *ArrayMetadata) Clone() *ArrayMetadata {
	if m == nil {
		return nil
	}
	return &ArrayMetadata{
		Shape:          append([]uint64(nil), m.Shape...),
		ChunkShape:     append([]uint64(nil), m.ChunkShape...),
		DataType:       m.DataType,
		FillValue:      CloneBytes(m.FillValue),
		DimensionNames: append([]string(nil), m.DimensionNames...),
	}
}

func equalU64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
