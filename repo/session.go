package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/graph"
	"github.com/bobg/zvc/manifest"
	"github.com/bobg/zvc/virtual"
)

// State is the lifecycle state of a session.
type State int

const (
	StateOpen State = iota
	Staged
	Committing
	Committed
	Conflicted
	Aborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case Staged:
		return "staged"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Session reads a snapshot and, if writable, stages changes to commit on top of it.
// Its methods are safe for concurrent use.
type Session struct {
	id     string
	r      *Repository
	branch string // empty for read-only sessions

	mu       sync.Mutex
	state    State
	base     zvc.ObjectID
	baseRoot zvc.ObjectID
	cs       *changeSet
}

// Node describes a group or array as seen through a session.
type Node struct {
	Path       zvc.Path
	Kind       zvc.NodeKind
	Attributes []byte
	Array      *zvc.ArrayMetadata // nil for groups
}

// view is the effective state of a node.
type view struct {
	kind  zvc.NodeKind
	attrs []byte
	array *zvc.ArrayMetadata
	rec   *nodeRecord  // nil if unchanged
	base  *format.Node // nil if the node is not derived from the base tree
}

func (r *Repository) newSession(ctx context.Context, branch string, snap zvc.ObjectID) (*Session, error) {
	s, err := r.objs.GetSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:       uuid.New().String(),
		r:        r,
		branch:   branch,
		base:     snap,
		baseRoot: s.Root,
		cs:       newChangeSet(),
	}, nil
}

// WritableSession opens a session on the current tip of a branch.
// Committing it advances the branch.
func (r *Repository) WritableSession(ctx context.Context, branch string) (*Session, error) {
	tip, _, err := r.refs.Branch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return r.newSession(ctx, branch, tip)
}

// ReadonlySession opens a read-only session on a snapshot.
func (r *Repository) ReadonlySession(ctx context.Context, snap zvc.ObjectID) (*Session, error) {
	return r.newSession(ctx, "", snap)
}

// ReadonlySessionAtTag opens a read-only session on the snapshot a tag points to.
func (r *Repository) ReadonlySessionAtTag(ctx context.Context, tag string) (*Session, error) {
	snap, err := r.refs.Tag(ctx, tag)
	if err != nil {
		return nil, err
	}
	return r.newSession(ctx, "", snap)
}

// ID is a unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Branch is the branch a writable session commits to, or "" for a read-only session.
func (s *Session) Branch() string { return s.branch }

// ReadOnly tells whether s is read-only.
func (s *Session) ReadOnly() bool { return s.branch == "" }

// Snapshot is the id of the snapshot the session reads from.
// After a successful commit it is the new snapshot.
func (s *Session) Snapshot() zvc.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// State is the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasChanges tells whether the session has uncommitted changes.
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cs.empty()
}

// Status reports the uncommitted changes.
func (s *Session) Status() *graph.Changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.changes()
}

// Discard drops all uncommitted changes and closes the session to writes.
// Chunk bytes already flushed stay in the chunk store, unreferenced.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs = newChangeSet()
	if s.state == StateOpen || s.state == Staged {
		s.state = Aborted
	}
}

// Caller must hold s.mu.
func (s *Session) writable() error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	switch s.state {
	case StateOpen, Staged:
		return nil
	}
	return errors.Wrapf(ErrSessionClosed, "session is %s", s.state)
}

// Caller must hold s.mu.
func (s *Session) staged() {
	s.state = Staged
}

// baseNode finds the node at p in the base tree.
func (s *Session) baseNode(ctx context.Context, p zvc.Path) (*format.Node, error) {
	node, err := s.r.objs.GetNode(ctx, s.baseRoot)
	if err != nil {
		return nil, err
	}
	for _, name := range p.Names() {
		c, ok := node.Child(name)
		if !ok {
			return nil, errors.Wrapf(zvc.ErrNotFound, "node %s", p)
		}
		if node, err = s.r.objs.GetNode(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// lookup finds the effective state of the node at p.
// Caller must hold s.mu.
func (s *Session) lookup(ctx context.Context, p zvc.Path) (*view, error) {
	notFound := errors.Wrapf(zvc.ErrNotFound, "node %s", p)

	deleted, fresh := s.cs.ancestry(p)
	if deleted {
		return nil, notFound
	}
	rec := s.cs.nodes[p]
	if rec != nil && rec.Deleted {
		return nil, notFound
	}

	var base *format.Node
	if !fresh && (rec == nil || !rec.Fresh) {
		var err error
		base, err = s.baseNode(ctx, p)
		if errors.Is(err, zvc.ErrNotFound) && rec == nil {
			return nil, notFound
		}
		if err != nil && !errors.Is(err, zvc.ErrNotFound) {
			return nil, err
		}
	}

	if rec != nil {
		return &view{kind: rec.Kind, attrs: rec.Attributes, array: rec.Array, rec: rec, base: base}, nil
	}
	if base == nil {
		return nil, notFound
	}
	return &view{kind: base.Kind, attrs: base.Attributes, array: base.Array, base: base}, nil
}

// GetNode describes the node at p.
func (s *Session) GetNode(ctx context.Context, p zvc.Path) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Node{Path: p, Kind: v.kind, Attributes: zvc.CloneBytes(v.attrs), Array: v.array.Clone()}, nil
}

// ListChildren lists the names of the children of the group at p, in sorted order.
func (s *Session) ListChildren(ctx context.Context, p zvc.Path) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if v.kind != zvc.GroupKind {
		return nil, errors.Wrapf(ErrNotGroup, "%s", p)
	}

	names := make(map[string]bool)
	if v.base != nil {
		for _, c := range v.base.Children {
			names[c.Name] = true
		}
	}
	for q, rec := range s.cs.nodes {
		if q == zvc.Root || q.Parent() != p {
			continue
		}
		names[q.Base()] = !rec.Deleted
	}

	var result []string
	for name, ok := range names {
		if ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result, nil
}

func validAttrs(attrs []byte) error {
	if len(attrs) > 0 && !json.Valid(attrs) {
		return errors.New("attributes are not valid JSON")
	}
	return nil
}

// addNode records a new node at p.
// Caller must hold s.mu.
func (s *Session) addNode(ctx context.Context, p zvc.Path, rec *nodeRecord) error {
	if err := s.writable(); err != nil {
		return err
	}
	if p == zvc.Root {
		return errors.Wrap(ErrNodeExists, "/")
	}
	if _, err := zvc.NewPath(string(p)); err != nil {
		return err
	}
	if err := validAttrs(rec.Attributes); err != nil {
		return err
	}

	parent, err := s.lookup(ctx, p.Parent())
	if errors.Is(err, zvc.ErrNotFound) {
		return errors.Wrapf(ErrNoParent, "%s", p)
	}
	if err != nil {
		return err
	}
	if parent.kind != zvc.GroupKind {
		return errors.Wrapf(ErrNotGroup, "parent of %s", p)
	}

	_, err = s.lookup(ctx, p)
	if err == nil {
		return errors.Wrapf(ErrNodeExists, "%s", p)
	}
	if !errors.Is(err, zvc.ErrNotFound) {
		return err
	}

	// A path deleted earlier in this session existed in the base tree.
	if old := s.cs.nodes[p]; old != nil && old.Deleted {
		rec.Existed = true
	}
	rec.Fresh = true
	s.cs.nodes[p] = rec
	s.staged()
	return nil
}

// AddGroup creates a group at p.
// Its parent must exist and must be a group.
// Attrs, if not empty, must be JSON.
func (s *Session) AddGroup(ctx context.Context, p zvc.Path, attrs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNode(ctx, p, &nodeRecord{Kind: zvc.GroupKind, Attributes: zvc.CloneBytes(attrs)})
}

// AddArray creates an array at p.
func (s *Session) AddArray(ctx context.Context, p zvc.Path, meta zvc.ArrayMetadata, attrs []byte) error {
	m := meta.Clone()
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNode(ctx, p, &nodeRecord{Kind: zvc.ArrayKind, Attributes: zvc.CloneBytes(attrs), Array: m})
}

// update records a change to an existing node.
// Caller must hold s.mu.
func (s *Session) update(ctx context.Context, p zvc.Path, f func(v *view, rec *nodeRecord) error) error {
	if err := s.writable(); err != nil {
		return err
	}
	v, err := s.lookup(ctx, p)
	if err != nil {
		return err
	}
	rec := v.rec
	if rec == nil {
		rec = &nodeRecord{Existed: true, Kind: v.kind, Attributes: v.attrs, Array: v.array}
	} else {
		copied := *rec
		rec = &copied
	}
	if err = f(v, rec); err != nil {
		return err
	}
	s.cs.nodes[p] = rec
	s.staged()
	return nil
}

// UpdateArray replaces the metadata of the array at p.
// The number of dimensions cannot change.
// Staged chunk writes that fall outside the new grid are dropped,
// and committed chunks outside it are deleted when the session commits.
func (s *Session) UpdateArray(ctx context.Context, p zvc.Path, meta zvc.ArrayMetadata) error {
	m := meta.Clone()
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, p, func(v *view, rec *nodeRecord) error {
		if v.kind != zvc.ArrayKind {
			return errors.Wrapf(ErrNotArray, "%s", p)
		}
		if len(m.Shape) != len(v.array.Shape) {
			return errors.Errorf("cannot change %s from %d to %d dimensions", p, len(v.array.Shape), len(m.Shape))
		}
		rec.Array = m
		for k := range s.cs.chunks[p] {
			if !m.Contains(zvc.IndexFromKey(k)) {
				delete(s.cs.chunks[p], k)
			}
		}
		return nil
	})
}

// SetAttributes replaces the user attributes of the node at p.
func (s *Session) SetAttributes(ctx context.Context, p zvc.Path, attrs []byte) error {
	attrs = zvc.CloneBytes(attrs)
	if err := validAttrs(attrs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, p, func(_ *view, rec *nodeRecord) error {
		rec.Attributes = attrs
		return nil
	})
}

// DeleteNode deletes the node at p and everything beneath it.
func (s *Session) DeleteNode(ctx context.Context, p zvc.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	if p == zvc.Root {
		return errors.New("cannot delete the root group")
	}
	v, err := s.lookup(ctx, p)
	if err != nil {
		return err
	}

	s.cs.dropBeneath(p)
	if v.rec != nil && !v.rec.Existed {
		delete(s.cs.nodes, p)
	} else {
		s.cs.nodes[p] = &nodeRecord{Deleted: true, Existed: true, Kind: v.kind}
	}
	s.staged()
	return nil
}

// array finds the array at p and checks that idx is within its grid.
// Caller must hold s.mu.
func (s *Session) array(ctx context.Context, p zvc.Path, idx zvc.Index) (*view, error) {
	v, err := s.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if v.kind != zvc.ArrayKind {
		return nil, errors.Wrapf(ErrNotArray, "%s", p)
	}
	if !v.array.Contains(idx) {
		return nil, errors.Wrapf(ErrBadIndex, "%s%s", p, idx)
	}
	return v, nil
}

// SetChunk writes the chunk at idx of the array at p.
// Small chunks are kept inline in the manifest;
// others go to the chunk store immediately.
func (s *Session) SetChunk(ctx context.Context, p zvc.Path, idx zvc.Index, data []byte) error {
	s.mu.Lock()
	err := s.checkChunkWrite(ctx, p, idx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var payload zvc.ChunkPayload
	if len(data) <= s.r.conf.InlineThreshold {
		payload.Inline = append([]byte{}, data...)
	} else {
		ref, err := s.r.chunks.Put(ctx, data)
		if err != nil {
			return errors.Wrapf(err, "storing chunk %s%s", p, idx)
		}
		payload.Native = &ref
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have changed while the chunk was being stored.
	if err = s.checkChunkWrite(ctx, p, idx); err != nil {
		return err
	}
	s.cs.setChunk(p, idx, &payload)
	s.staged()
	return nil
}

// Caller must hold s.mu.
func (s *Session) checkChunkWrite(ctx context.Context, p zvc.Path, idx zvc.Index) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.array(ctx, p, idx)
	return err
}

// SetVirtualChunk points the chunk at idx of the array at p
// to a byte range of an external object.
// The location's scheme must have a registered reader.
func (s *Session) SetVirtualChunk(ctx context.Context, p zvc.Path, idx zvc.Index, ref zvc.VirtualRef) error {
	u, err := virtual.ParseLocation(ref.Location)
	if err != nil {
		return err
	}
	if !s.r.resolver.Has(u.Scheme) {
		return errors.Wrap(virtual.ErrUnknownScheme, u.Scheme)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.checkChunkWrite(ctx, p, idx); err != nil {
		return err
	}
	s.cs.setChunk(p, idx, &zvc.ChunkPayload{Virtual: &ref})
	s.staged()
	return nil
}

// DeleteChunk removes the chunk at idx of the array at p.
// Reads of it then fail with zvc.ErrNotFound,
// which callers normally treat as the array's fill value.
func (s *Session) DeleteChunk(ctx context.Context, p zvc.Path, idx zvc.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkChunkWrite(ctx, p, idx); err != nil {
		return err
	}
	s.cs.setChunk(p, idx, nil)
	s.staged()
	return nil
}

// ChunkRef returns a copy of the manifest entry for the chunk at idx of the array at p.
func (s *Session) ChunkRef(ctx context.Context, p zvc.Path, idx zvc.Index) (zvc.ChunkPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := s.chunkRef(ctx, p, idx)
	return payload.Clone(), err
}

// Caller must hold s.mu.
func (s *Session) chunkRef(ctx context.Context, p zvc.Path, idx zvc.Index) (zvc.ChunkPayload, error) {
	v, err := s.array(ctx, p, idx)
	if err != nil {
		return zvc.ChunkPayload{}, err
	}
	notFound := errors.Wrapf(zvc.ErrNotFound, "chunk %s%s", p, idx)

	if payload, ok := s.cs.chunk(p, idx); ok {
		if payload == nil {
			return zvc.ChunkPayload{}, notFound
		}
		return *payload, nil
	}
	if v.base == nil {
		return zvc.ChunkPayload{}, notFound
	}
	payload, ok, err := manifest.Lookup(ctx, s.r.objs, v.base, idx)
	if err != nil {
		return zvc.ChunkPayload{}, err
	}
	if !ok {
		return zvc.ChunkPayload{}, notFound
	}
	return payload, nil
}

// GetChunk reads the chunk at idx of the array at p.
func (s *Session) GetChunk(ctx context.Context, p zvc.Path, idx zvc.Index) ([]byte, error) {
	s.mu.Lock()
	payload, err := s.chunkRef(ctx, p, idx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.r.fetch(ctx, payload)
}

func (r *Repository) fetch(ctx context.Context, payload zvc.ChunkPayload) ([]byte, error) {
	switch {
	case payload.Native != nil:
		return r.chunks.Get(ctx, *payload.Native)
	case payload.Virtual != nil:
		return r.resolver.Fetch(ctx, *payload.Virtual)
	}
	return zvc.CloneBytes(payload.Inline), nil
}

// ListChunks lists the indexes of the chunks present in the array at p, in sorted order.
func (s *Session) ListChunks(ctx context.Context, p zvc.Path) ([]zvc.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if v.kind != zvc.ArrayKind {
		return nil, errors.Wrapf(ErrNotArray, "%s", p)
	}

	present := make(map[string]bool)
	if v.base != nil {
		err = manifest.Each(ctx, s.r.objs, v.base, func(idx zvc.Index, _ zvc.ChunkPayload) error {
			present[idx.Key()] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for k, payload := range s.cs.chunks[p] {
		present[k] = payload != nil
	}

	var result []zvc.Index
	for k, ok := range present {
		if !ok {
			continue
		}
		// Entries outside a shrunken grid are pruned at commit.
		if idx := zvc.IndexFromKey(k); v.array.Contains(idx) {
			result = append(result, idx)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result, nil
}

// ChangeSetBytes serializes the session's uncommitted changes
// for another session on the same snapshot to Merge.
func (s *Session) ChangeSetBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.encode(s.base)
}

// Merge adds the changes serialized by another session's ChangeSetBytes to this one.
// Both sessions must be based on the same snapshot.
// It fails with a *zvc.ConflictError if the two change sets overlap.
func (s *Session) Merge(data []byte) error {
	other, base, err := decodeChangeSet(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.writable(); err != nil {
		return err
	}
	if base != s.base {
		return errors.Errorf("change set is based on %s, session on %s", base, s.base)
	}
	if err = s.cs.merge(other); err != nil {
		return err
	}
	if !s.cs.empty() {
		s.staged()
	}
	return nil
}
