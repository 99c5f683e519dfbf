// Package repo is the library interface to a versioned array repository:
// branches, tags, sessions, and commits.
package repo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/cache"
	"github.com/bobg/zvc/chunkstore"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/graph"
	"github.com/bobg/zvc/objects"
	"github.com/bobg/zvc/objstore"
	"github.com/bobg/zvc/objstore/retry"
	"github.com/bobg/zvc/refs"
	"github.com/bobg/zvc/virtual"
)

// MainBranch is created with every repository and cannot be deleted.
const MainBranch = "main"

// InitialMessage is the message of a repository's first snapshot.
const InitialMessage = "Repository initialized"

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrReadOnly      = errors.New("session is read-only")
	ErrNoChanges     = errors.New("no changes to commit")
	ErrNodeExists    = errors.New("node exists")
	ErrNoParent      = errors.New("parent group does not exist")
	ErrNotArray      = errors.New("not an array")
	ErrNotGroup      = errors.New("not a group")
	ErrBadIndex      = errors.New("chunk index out of bounds")
	ErrMainBranch    = errors.New("cannot delete the main branch")
)

// Repository is a handle on a repository in an object store.
// It is safe for concurrent use.
type Repository struct {
	conf     Config
	store    zvc.ObjectStore
	objs     *objects.Store
	chunks   *chunkstore.Store
	refs     *refs.Store
	resolver *virtual.Resolver
	log      log.FieldLogger
	now      func() time.Time
	cache    cache.Cache
}

// Option is the type of an option to Create, Open, OpenOrCreate, and FromConfig.
type Option func(*Repository)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(r *Repository) { r.log = l }
}

// WithResolver sets the resolver for virtual chunks.
// The default handles only file:// locations.
func WithResolver(res *virtual.Resolver) Option {
	return func(r *Repository) { r.resolver = res }
}

// WithCache replaces the cache of decoded objects
// that would otherwise be built according to Config.CacheSize.
func WithCache(c cache.Cache) Option {
	return func(r *Repository) { r.cache = c }
}

// WithClock sets the source of snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func newRepository(s zvc.ObjectStore, conf Config, opts []Option) (*Repository, error) {
	if err := conf.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	conf = conf.withDefaults()
	min, max, err := conf.retryBackoff()
	if err != nil {
		return nil, err
	}

	r := &Repository{
		conf: conf,
		log:  log.StandardLogger(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.resolver == nil {
		r.resolver = virtual.NewResolver()
	}
	if r.cache == nil {
		if r.cache, err = cache.New(conf.CacheSize); err != nil {
			return nil, errors.Wrap(err, "creating cache")
		}
	}

	r.store = retry.New(s, retry.Backoff(min, max), retry.Attempts(conf.Retry.Attempts))
	r.objs = objects.New(r.store, r.cache, *conf.Compress)
	r.chunks = chunkstore.New(r.store)
	r.refs = refs.New(r.store)
	return r, nil
}

// Create initializes a new repository in s:
// an empty root group, an initial snapshot, and the main branch.
func Create(ctx context.Context, s zvc.ObjectStore, conf Config, opts ...Option) (*Repository, error) {
	r, err := newRepository(s, conf, opts)
	if err != nil {
		return nil, err
	}

	rootID, err := r.objs.PutNode(ctx, &format.Node{Kind: zvc.GroupKind})
	if err != nil {
		return nil, errors.Wrap(err, "storing root group")
	}
	snapID, _, err := graph.CommitChild(ctx, r.objs, zvc.Zero, rootID, nil, InitialMessage, nil, r.now())
	if err != nil {
		return nil, errors.Wrap(err, "storing initial snapshot")
	}
	if _, err = r.refs.CreateBranch(ctx, MainBranch, snapID); err != nil {
		return nil, errors.Wrap(err, "creating main branch")
	}

	r.log.WithField("snapshot", snapID).Info("repository created")
	return r, nil
}

// Open opens an existing repository in s.
// It fails with zvc.ErrNotFound if there is none.
func Open(ctx context.Context, s zvc.ObjectStore, conf Config, opts ...Option) (*Repository, error) {
	r, err := newRepository(s, conf, opts)
	if err != nil {
		return nil, err
	}
	if _, _, err = r.refs.Branch(ctx, MainBranch); err != nil {
		return nil, errors.Wrap(err, "opening repository")
	}
	return r, nil
}

// OpenOrCreate opens the repository in s, creating it if necessary.
func OpenOrCreate(ctx context.Context, s zvc.ObjectStore, conf Config, opts ...Option) (*Repository, error) {
	r, err := Open(ctx, s, conf, opts...)
	if errors.Is(err, zvc.ErrNotFound) {
		r, err = Create(ctx, s, conf, opts...)
		if errors.Is(err, refs.ErrBranchExists) {
			// Lost a race with another creator.
			return Open(ctx, s, conf, opts...)
		}
	}
	return r, err
}

// FromConfig creates the object store described by conf.Storage
// and opens or creates the repository in it.
func FromConfig(ctx context.Context, conf Config, opts ...Option) (*Repository, error) {
	if conf.Storage == nil {
		return nil, errors.New("config has no storage")
	}
	s, err := objstore.FromConfig(ctx, conf.Storage)
	if err != nil {
		return nil, err
	}
	return OpenOrCreate(ctx, s, conf, opts...)
}

// Config returns the repository's configuration, with defaults filled in.
func (r *Repository) Config() Config {
	return r.conf
}

// Snapshot fetches a snapshot by id.
func (r *Repository) Snapshot(ctx context.Context, id zvc.ObjectID) (*format.Snapshot, error) {
	return r.objs.GetSnapshot(ctx, id)
}

// CacheStats reports hits and misses in the cache of decoded objects.
func (r *Repository) CacheStats() (hits, misses int64) {
	return r.objs.CacheStats()
}

func (r *Repository) checkSnapshot(ctx context.Context, id zvc.ObjectID) error {
	ok, err := r.objs.HasSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(zvc.ErrNotFound, "snapshot %s", id)
	}
	return nil
}

// CreateBranch creates a branch pointing to an existing snapshot.
func (r *Repository) CreateBranch(ctx context.Context, name string, snap zvc.ObjectID) error {
	if err := r.checkSnapshot(ctx, snap); err != nil {
		return err
	}
	_, err := r.refs.CreateBranch(ctx, name, snap)
	return err
}

// ListBranches lists branch names in sorted order.
func (r *Repository) ListBranches(ctx context.Context) ([]string, error) {
	return r.refs.ListBranches(ctx)
}

// BranchTip is the snapshot a branch points to.
func (r *Repository) BranchTip(ctx context.Context, name string) (zvc.ObjectID, error) {
	id, _, err := r.refs.Branch(ctx, name)
	return id, err
}

// ResetBranch points a branch at any existing snapshot.
// It fails with zvc.ErrPreconditionFailed if the branch moves concurrently.
func (r *Repository) ResetBranch(ctx context.Context, name string, snap zvc.ObjectID) error {
	if err := r.checkSnapshot(ctx, snap); err != nil {
		return err
	}
	_, v, err := r.refs.Branch(ctx, name)
	if err != nil {
		return err
	}
	_, err = r.refs.UpdateBranch(ctx, name, snap, v)
	if err == nil {
		r.log.WithFields(log.Fields{"branch": name, "snapshot": snap}).Info("branch reset")
	}
	return err
}

// DeleteBranch deletes a branch other than main.
// It does not wait for commits in progress on the branch;
// one that lands concurrently is deleted along with the branch
// (see refs.Store.DeleteBranch).
func (r *Repository) DeleteBranch(ctx context.Context, name string) error {
	if name == MainBranch {
		return ErrMainBranch
	}
	return r.refs.DeleteBranch(ctx, name)
}

// CreateTag creates a tag pointing to an existing snapshot.
func (r *Repository) CreateTag(ctx context.Context, name string, snap zvc.ObjectID) error {
	if err := r.checkSnapshot(ctx, snap); err != nil {
		return err
	}
	return r.refs.CreateTag(ctx, name, snap)
}

// ListTags lists tag names in sorted order.
func (r *Repository) ListTags(ctx context.Context) ([]string, error) {
	return r.refs.ListTags(ctx)
}

// TagTarget is the snapshot a tag points to.
func (r *Repository) TagTarget(ctx context.Context, name string) (zvc.ObjectID, error) {
	return r.refs.Tag(ctx, name)
}

// DeleteTag deletes a tag.
// Its name can never be used again.
func (r *Repository) DeleteTag(ctx context.Context, name string) error {
	return r.refs.DeleteTag(ctx, name)
}

// Ancestry iterates over a snapshot and its ancestors, newest first.
func (r *Repository) Ancestry(snap zvc.ObjectID) *graph.Iterator {
	return graph.Ancestors(r.objs, snap)
}

// Diff computes the structural changes from one snapshot to another.
func (r *Repository) Diff(ctx context.Context, from, to zvc.ObjectID) (*graph.Changes, error) {
	return graph.Diff(ctx, r.objs, from, to)
}
