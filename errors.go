package zvc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a referenced object, ref, node, or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a presumably recoverable object-store failure.
	ErrTransient = errors.New("transient failure")

	// ErrCorruption is returned when fetched bytes fail a content-address or format check.
	ErrCorruption = errors.New("corrupt object")

	// ErrSchemaVersion is returned when a persisted object carries an unsupported version tag.
	ErrSchemaVersion = errors.New("unsupported schema version")

	// ErrPreconditionFailed is returned by ObjectStore.PutIfMatch
	// when the stored version does not match the expected one.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("conflict")
)

// Transient wraps err so that it matches ErrTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type transientError struct {
	err error
}

func (e transientError) Error() string   { return "transient: " + e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Is(t error) bool { return t == ErrTransient }

// ObjectError reports a failure (ErrCorruption or ErrSchemaVersion) specific to one stored object.
type ObjectError struct {
	Kind   error // ErrCorruption or ErrSchemaVersion
	Key    string
	Detail string
}

func (e *ObjectError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Key, e.Detail)
}

func (e *ObjectError) Is(t error) bool { return t == e.Kind }

// ChunkCoord names one chunk of one array.
type ChunkCoord struct {
	Path  Path
	Index Index
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%s%s", c.Path, c.Index)
}

// ConflictError reports a commit that could not be applied
// because another writer changed the same nodes or chunks.
type ConflictError struct {
	// Nodes are paths whose metadata (or existence) was changed by both sides.
	Nodes []Path

	// Chunks are chunk coordinates written by both sides.
	Chunks []ChunkCoord

	// Exhausted is true when every change was disjoint
	// but the branch kept moving and the rebase budget ran out.
	Exhausted bool
}

func (e *ConflictError) Error() string {
	if e.Exhausted {
		return "conflict: rebase attempts exhausted"
	}
	var parts []string
	for _, p := range e.Nodes {
		parts = append(parts, "node "+string(p))
	}
	for _, c := range e.Chunks {
		parts = append(parts, "chunk "+c.String())
	}
	return "conflict: " + strings.Join(parts, ", ")
}

func (e *ConflictError) Is(t error) bool { return t == ErrConflict }

// Empty tells whether e names no overlapping nodes or chunks.
func (e *ConflictError) Empty() bool {
	return len(e.Nodes) == 0 && len(e.Chunks) == 0
}

// Sort puts the conflict's paths and coordinates in a canonical order.
func (e *ConflictError) Sort() {
	sort.Slice(e.Nodes, func(i, j int) bool { return e.Nodes[i] < e.Nodes[j] })
	sort.Slice(e.Chunks, func(i, j int) bool {
		if e.Chunks[i].Path != e.Chunks[j].Path {
			return e.Chunks[i].Path < e.Chunks[j].Path
		}
		return e.Chunks[i].Index.Less(e.Chunks[j].Index)
	})
}
