package repo

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/graph"
	"github.com/bobg/zvc/manifest"
)

type commitOpts struct {
	props    map[string]string
	noRebase bool
}

// CommitOption is the type of an option to Session.Commit.
type CommitOption func(*commitOpts)

// WithProperties attaches key/value properties to the new snapshot.
func WithProperties(props map[string]string) CommitOption {
	return func(o *commitOpts) { o.props = props }
}

// NoRebase makes Commit fail with a *zvc.ConflictError
// instead of rebasing when the branch has moved.
func NoRebase() CommitOption {
	return func(o *commitOpts) { o.noRebase = true }
}

// Commit turns the session's changes into a new snapshot
// and advances the session's branch to it.
//
// If the branch has moved since the session's snapshot,
// and the intervening changes are disjoint from the session's,
// the changes are rebased onto the new tip and the commit retried,
// up to the configured number of times.
// Otherwise Commit fails with a *zvc.ConflictError
// and the session moves to the Conflicted state.
// Other errors return the session to the Staged state
// so the commit can be retried.
func (s *Session) Commit(ctx context.Context, message string, opts ...CommitOption) (zvc.ObjectID, error) {
	var co commitOpts
	for _, opt := range opts {
		opt(&co)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return zvc.Zero, err
	}
	if s.cs.empty() {
		return zvc.Zero, ErrNoChanges
	}

	s.state = Committing
	id, root, err := s.commit(ctx, message, co)
	switch {
	case err == nil:
		s.state = Committed
		s.base, s.baseRoot = id, root
		s.cs = newChangeSet()
	case errors.Is(err, zvc.ErrConflict):
		s.state = Conflicted
	default:
		s.state = Staged
	}
	return id, err
}

// Caller must hold s.mu.
func (s *Session) commit(ctx context.Context, message string, co commitOpts) (zvc.ObjectID, zvc.ObjectID, error) {
	entry := s.r.log.WithFields(log.Fields{"branch": s.branch, "session": s.id})

	tip, ver, err := s.r.refs.Branch(ctx, s.branch)
	if err != nil {
		return zvc.Zero, zvc.Zero, err
	}

	var rebases int
	for attempt := 1; ; attempt++ {
		if tip != s.base {
			conflict, err := s.conflicts(ctx, tip)
			if err != nil {
				return zvc.Zero, zvc.Zero, err
			}
			if conflict != nil {
				entry.WithFields(log.Fields{"snapshot": tip, "attempt": attempt}).WithError(conflict).Info("commit conflicted")
				return zvc.Zero, zvc.Zero, conflict
			}
			if co.noRebase || rebases >= s.r.conf.MaxRebaseAttempts {
				entry.WithFields(log.Fields{"snapshot": tip, "attempt": attempt}).Info("rebase attempts exhausted")
				return zvc.Zero, zvc.Zero, &zvc.ConflictError{Exhausted: true}
			}

			tipSnap, err := s.r.objs.GetSnapshot(ctx, tip)
			if err != nil {
				return zvc.Zero, zvc.Zero, err
			}
			s.base, s.baseRoot = tip, tipSnap.Root
			rebases++
			entry.WithFields(log.Fields{"snapshot": tip, "attempt": attempt}).Debug("rebased")
		}

		root, manifests, err := s.materialize(ctx)
		if err != nil {
			return zvc.Zero, zvc.Zero, errors.Wrap(err, "building snapshot")
		}
		snapID, _, err := graph.CommitChild(ctx, s.r.objs, s.base, root, manifests, message, format.Props(co.props), s.r.now())
		if err != nil {
			return zvc.Zero, zvc.Zero, err
		}

		_, err = s.r.refs.UpdateBranch(ctx, s.branch, snapID, ver)
		if err == nil {
			entry.WithFields(log.Fields{"snapshot": snapID, "attempt": attempt}).Info("committed")
			return snapID, root, nil
		}
		if !errors.Is(err, zvc.ErrPreconditionFailed) {
			return zvc.Zero, zvc.Zero, err
		}

		tip, ver, err = s.r.refs.Branch(ctx, s.branch)
		if err != nil {
			return zvc.Zero, zvc.Zero, err
		}
		if tip == snapID {
			// The update landed but its success was lost to a retried failure.
			entry.WithFields(log.Fields{"snapshot": snapID, "attempt": attempt}).Info("committed")
			return snapID, root, nil
		}
		entry.WithFields(log.Fields{"snapshot": tip, "attempt": attempt}).Debug("lost compare-and-swap")
	}
}

// conflicts compares the session's changes with those made between its snapshot and tip.
// Caller must hold s.mu.
func (s *Session) conflicts(ctx context.Context, tip zvc.ObjectID) (*zvc.ConflictError, error) {
	theirs, err := graph.Diff(ctx, s.r.objs, s.base, tip)
	if err != nil {
		return nil, errors.Wrapf(err, "diffing %s against %s", s.base, tip)
	}
	return graph.Conflicts(s.cs.changes(), theirs), nil
}

// materialize writes the nodes and manifest shards that apply the change set to the base tree,
// deepest paths first so that each group is written after its children.
// It returns the new root node id and the ids of the shards written.
// Caller must hold s.mu.
func (s *Session) materialize(ctx context.Context) (zvc.ObjectID, []zvc.ObjectID, error) {
	dirty := s.cs.dirty()
	if len(dirty) == 0 {
		return s.baseRoot, nil, nil
	}

	childrenOf := make(map[zvc.Path][]zvc.Path)
	for _, p := range dirty {
		if p != zvc.Root {
			childrenOf[p.Parent()] = append(childrenOf[p.Parent()], p)
		}
	}

	var (
		built   = make(map[zvc.Path]format.Child) // zero ID means gone
		written []zvc.ObjectID
	)

	for _, p := range dirty {
		v, err := s.lookup(ctx, p)
		if errors.Is(err, zvc.ErrNotFound) {
			built[p] = format.Child{}
			continue
		}
		if err != nil {
			return zvc.Zero, nil, err
		}

		var node *format.Node
		if v.kind == zvc.GroupKind {
			node = s.buildGroup(v, childrenOf[p], built)
		} else {
			var w []zvc.ObjectID
			node, w, err = s.buildArray(ctx, p, v)
			if err != nil {
				return zvc.Zero, nil, err
			}
			written = append(written, w...)
		}

		id, err := s.r.objs.PutNode(ctx, node)
		if err != nil {
			return zvc.Zero, nil, err
		}
		built[p] = format.Child{Name: p.Base(), Kind: v.kind, ID: id}
	}

	sort.Slice(written, func(i, j int) bool { return written[i].Less(written[j]) })
	return built[zvc.Root].ID, written, nil
}

func (s *Session) buildGroup(v *view, dirtyChildren []zvc.Path, built map[zvc.Path]format.Child) *format.Node {
	children := make(map[string]format.Child)
	if v.base != nil {
		for _, c := range v.base.Children {
			children[c.Name] = c
		}
	}
	for _, q := range dirtyChildren {
		if c := built[q]; c.ID.IsZero() {
			delete(children, q.Base())
		} else {
			children[q.Base()] = c
		}
	}

	node := &format.Node{Kind: zvc.GroupKind, Attributes: v.attrs}
	for _, c := range children {
		node.Children = append(node.Children, c)
	}
	sort.Slice(node.Children, func(i, j int) bool { return node.Children[i].Name < node.Children[j].Name })
	return node
}

func (s *Session) buildArray(ctx context.Context, p zvc.Path, v *view) (*format.Node, []zvc.ObjectID, error) {
	var (
		span   []uint32
		shards []format.ShardRef
	)
	if v.base != nil && v.base.Kind == zvc.ArrayKind && len(v.base.ShardSpan) == len(v.array.Shape) {
		span, shards = v.base.ShardSpan, v.base.Shards
	} else {
		span = manifest.Span(len(v.array.Shape), s.r.conf.ShardChunks)
	}

	changes, err := s.pruneOutside(ctx, v)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "pruning manifest of %s", p)
	}
	if changes == nil {
		changes = s.cs.chunks[p]
	} else {
		for k, payload := range s.cs.chunks[p] {
			changes[k] = payload
		}
	}

	shards, written, err := manifest.Merge(ctx, s.r.objs, span, shards, changes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "writing manifest of %s", p)
	}
	return &format.Node{
		Kind:       zvc.ArrayKind,
		Attributes: v.attrs,
		Array:      v.array,
		ShardSpan:  span,
		Shards:     shards,
	}, written, nil
}

// pruneOutside produces deletions for the base manifest's entries
// that fall outside the array's grid after it shrank.
// It returns nil if the grid did not shrink.
func (s *Session) pruneOutside(ctx context.Context, v *view) (manifest.Changes, error) {
	if v.base == nil || v.base.Kind != zvc.ArrayKind || v.base.Array == nil || !shrank(v.base.Array, v.array) {
		return nil, nil
	}
	changes := make(manifest.Changes)
	err := manifest.Each(ctx, s.r.objs, v.base, func(idx zvc.Index, _ zvc.ChunkPayload) error {
		if !v.array.Contains(idx) {
			changes.Delete(idx)
		}
		return nil
	})
	return changes, err
}

func shrank(before, after *zvc.ArrayMetadata) bool {
	b, a := before.GridShape(), after.GridShape()
	if len(b) != len(a) {
		return false
	}
	for i := range b {
		if a[i] < b[i] {
			return true
		}
	}
	return false
}
