// Package zvc is a versioned storage engine for chunked, multi-dimensional arrays
// (of the kind described by the Zarr format)
// kept in a key/value object store such as a cloud storage bucket.
//
// Array data is a tree of groups and arrays.
// Each array is cut into fixed-shape chunks,
// and each chunk is an opaque sequence of bytes.
// Chunk bytes are stored by content address:
// the key under which a chunk lives is computed from the chunk's own bytes,
// so writing the same bytes twice is a no-op.
//
// On top of that sits a layer of git-like history.
// A _manifest_ maps chunk coordinates to chunk locations.
// Nodes describe groups and arrays and point to their manifests.
// A _snapshot_ names the root node of a whole tree,
// plus its parent snapshot,
// a timestamp,
// and a message.
// Manifests, nodes, and snapshots are themselves content-addressed and never change once written.
//
// The only mutable state is the set of _refs_:
// branches, which move forward with each commit,
// and tags, which never move.
// A commit advances a branch with a conditional write
// that succeeds only if nobody else advanced it first.
// When somebody did,
// the losing writer compares the two sets of changes.
// If they are disjoint,
// it replays its own changes on top of the winner's snapshot and tries again.
// If they overlap,
// the commit fails with a ConflictError naming the overlap,
// and nothing is silently lost.
//
// The root package defines the shared vocabulary:
// object ids,
// chunk references,
// paths,
// the ObjectStore interface,
// and the error taxonomy.
// The repo subpackage is the main entry point.
package zvc
