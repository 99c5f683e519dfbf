package zvc

import (
	"context"
	"strings"
)

// Version is an opaque token identifying one stored version of an object-store key.
// It is used for conditional writes.
type Version string

// NoVersion is the Version of a key that does not exist.
// Passing it to PutIfMatch means "create only if absent."
const NoVersion Version = ""

// ObjectStore is the key/value object store that holds all persistent state.
// Chunks, manifest shards, nodes, and snapshots live under content-addressed keys
// and are never rewritten.
// Refs live under named keys and are updated only with PutIfMatch.
//
// Any method may fail with an error wrapping ErrTransient
// to signal a presumably recoverable outage.
type ObjectStore interface {
	// Get returns the bytes stored at key and their Version.
	// It returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// Put stores data at key unconditionally.
	Put(ctx context.Context, key string, data []byte) (Version, error)

	// PutIfMatch stores data at key only if the key's current Version is expected
	// (or, when expected is NoVersion, only if the key does not exist).
	// Otherwise it returns ErrPreconditionFailed.
	// This must be atomic.
	PutIfMatch(ctx context.Context, key string, data []byte, expected Version) (Version, error)

	// List calls f for each key beginning with prefix, in lexicographic order.
	// If f returns an error, List exits with that error.
	List(ctx context.Context, prefix string, f func(key string) error) error

	// Delete removes key.
	// It is not an error to delete a non-existent key.
	Delete(ctx context.Context, key string) error
}

// Key-space namespaces.
const (
	ChunkPrefix    = "chunks/"
	ManifestPrefix = "manifests/"
	NodePrefix     = "nodes/"
	SnapshotPrefix = "snapshots/"
	BranchPrefix   = "refs/branches/"
	TagPrefix      = "refs/tags/"
)

func ChunkKey(id ObjectID) string    { return ChunkPrefix + id.String() }
func ManifestKey(id ObjectID) string { return ManifestPrefix + id.String() }
func NodeKey(id ObjectID) string     { return NodePrefix + id.String() }
func SnapshotKey(id ObjectID) string { return SnapshotPrefix + id.String() }

// IDFromKey parses the ObjectID out of a content-addressed key under prefix.
func IDFromKey(prefix, key string) (ObjectID, error) {
	return IDFromHex(strings.TrimPrefix(key, prefix))
}
