// Package manifest maps chunk indexes to chunk payloads for one array.
//
// An array's manifest is split into shards.
// Each shard covers a fixed block of chunk-index space
// whose size in each dimension is the array's shard span,
// so a write touching a few chunks rewrites only the shards containing them.
package manifest

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/objects"
)

// DefaultShardChunks is the default target number of chunks per shard.
const DefaultShardChunks = 4096

// Span computes a shard span for an array with ndim dimensions:
// the largest s with s^ndim no greater than target, in every dimension.
func Span(ndim, target int) []uint32 {
	if ndim < 1 {
		return nil
	}
	if target < 1 {
		target = 1
	}
	s := uint64(1)
	for pow(s+1, ndim) <= uint64(target) {
		s++
	}
	span := make([]uint32, ndim)
	for i := range span {
		span[i] = uint32(s)
	}
	return span
}

func pow(b uint64, n int) uint64 {
	result := uint64(1)
	for i := 0; i < n; i++ {
		result *= b
		if result > 1<<40 {
			break
		}
	}
	return result
}

// ShardKey is the position of the shard containing idx.
func ShardKey(idx zvc.Index, span []uint32) zvc.Index {
	key := make(zvc.Index, len(idx))
	for i, n := range idx {
		s := uint32(1)
		if i < len(span) && span[i] > 0 {
			s = span[i]
		}
		key[i] = n / s
	}
	return key
}

// Changes maps zvc.Index.Key values to new payloads.
// A nil payload deletes the entry.
type Changes map[string]*zvc.ChunkPayload

// Set records a new payload for idx.
func (c Changes) Set(idx zvc.Index, p zvc.ChunkPayload) {
	c[idx.Key()] = &p
}

// Delete records the deletion of idx.
func (c Changes) Delete(idx zvc.Index) {
	c[idx.Key()] = nil
}

// Merge applies changes to the manifest described by parent,
// writing a new shard for each one the changes touch.
// Shards left empty are dropped.
// It returns the new list of shard refs
// and the ids of the shards it wrote.
func Merge(ctx context.Context, objs *objects.Store, span []uint32, parent []format.ShardRef, changes Changes) ([]format.ShardRef, []zvc.ObjectID, error) {
	if len(changes) == 0 {
		return parent, nil, nil
	}

	byShard := make(map[string]Changes)
	for k, p := range changes {
		sk := ShardKey(zvc.IndexFromKey(k), span).Key()
		if byShard[sk] == nil {
			byShard[sk] = make(Changes)
		}
		byShard[sk][k] = p
	}

	existing := make(map[string]zvc.ObjectID, len(parent))
	for _, sr := range parent {
		existing[sr.Key.Key()] = sr.ID
	}

	var (
		mu      sync.Mutex
		newIDs  = make(map[string]zvc.ObjectID)
		written []zvc.ObjectID
	)

	g, gctx := errgroup.WithContext(ctx)
	for sk, sc := range byShard {
		sk, sc := sk, sc
		g.Go(func() error {
			var entries []format.Entry
			if id, ok := existing[sk]; ok {
				shard, err := objs.GetShard(gctx, id)
				if err != nil {
					return err
				}
				entries = shard.Entries
			}
			entries = apply(entries, sc)

			var id zvc.ObjectID
			if len(entries) > 0 {
				var err error
				id, err = objs.PutShard(gctx, &format.Shard{Entries: entries})
				if err != nil {
					return err
				}
			}

			mu.Lock()
			newIDs[sk] = id
			if !id.IsZero() {
				written = append(written, id)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "merging manifest")
	}

	var result []format.ShardRef
	for _, sr := range parent {
		if _, ok := newIDs[sr.Key.Key()]; !ok {
			result = append(result, sr)
		}
	}
	for sk, id := range newIDs {
		if !id.IsZero() {
			result = append(result, format.ShardRef{Key: zvc.IndexFromKey(sk), ID: id})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.Less(result[j].Key) })
	sort.Slice(written, func(i, j int) bool { return written[i].Less(written[j]) })

	return result, written, nil
}

// apply produces a new sorted entry list from entries and changes.
// Entries is not modified.
func apply(entries []format.Entry, changes Changes) []format.Entry {
	result := make([]format.Entry, 0, len(entries)+len(changes))
	for _, e := range entries {
		if _, ok := changes[e.Index.Key()]; ok {
			continue
		}
		result = append(result, e)
	}
	for k, p := range changes {
		if p == nil {
			continue
		}
		result = append(result, format.Entry{Index: zvc.IndexFromKey(k), Payload: *p})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index.Less(result[j].Index) })
	return result
}

// Lookup finds the payload for idx in the given array node.
func Lookup(ctx context.Context, objs *objects.Store, node *format.Node, idx zvc.Index) (zvc.ChunkPayload, bool, error) {
	sk := ShardKey(idx, node.ShardSpan)
	i := sort.Search(len(node.Shards), func(i int) bool { return !node.Shards[i].Key.Less(sk) })
	if i == len(node.Shards) || !node.Shards[i].Key.Equal(sk) {
		return zvc.ChunkPayload{}, false, nil
	}
	shard, err := objs.GetShard(ctx, node.Shards[i].ID)
	if err != nil {
		return zvc.ChunkPayload{}, false, err
	}
	p, ok := shard.Lookup(idx)
	return p, ok, nil
}

// Each calls f for every entry in the given array node's manifest,
// shard by shard.
func Each(ctx context.Context, objs *objects.Store, node *format.Node, f func(zvc.Index, zvc.ChunkPayload) error) error {
	for _, sr := range node.Shards {
		shard, err := objs.GetShard(ctx, sr.ID)
		if err != nil {
			return err
		}
		for _, e := range shard.Entries {
			if err = f(e.Index, e.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Changed calls f with every chunk index whose payload differs between manifests a and b,
// either of which may be nil.
// Shards with equal ids in both are skipped without being fetched.
func Changed(ctx context.Context, objs *objects.Store, a, b *format.Node, f func(zvc.Index) error) error {
	if a == nil || b == nil || !sameSpan(a.ShardSpan, b.ShardSpan) {
		return changedFull(ctx, objs, a, b, f)
	}

	shards := make(map[string][2]zvc.ObjectID)
	for _, sr := range a.Shards {
		pair := shards[sr.Key.Key()]
		pair[0] = sr.ID
		shards[sr.Key.Key()] = pair
	}
	for _, sr := range b.Shards {
		pair := shards[sr.Key.Key()]
		pair[1] = sr.ID
		shards[sr.Key.Key()] = pair
	}

	keys := make([]string, 0, len(shards))
	for k, pair := range shards {
		if pair[0] != pair[1] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		pair := shards[k]
		ea, err := shardEntries(ctx, objs, pair[0])
		if err != nil {
			return err
		}
		eb, err := shardEntries(ctx, objs, pair[1])
		if err != nil {
			return err
		}
		if err = diffEntries(ea, eb, f); err != nil {
			return err
		}
	}
	return nil
}

func changedFull(ctx context.Context, objs *objects.Store, a, b *format.Node, f func(zvc.Index) error) error {
	all := func(n *format.Node) ([]format.Entry, error) {
		if n == nil {
			return nil, nil
		}
		var result []format.Entry
		err := Each(ctx, objs, n, func(idx zvc.Index, p zvc.ChunkPayload) error {
			result = append(result, format.Entry{Index: idx, Payload: p})
			return nil
		})
		sort.Slice(result, func(i, j int) bool { return result[i].Index.Less(result[j].Index) })
		return result, err
	}
	ea, err := all(a)
	if err != nil {
		return err
	}
	eb, err := all(b)
	if err != nil {
		return err
	}
	return diffEntries(ea, eb, f)
}

func shardEntries(ctx context.Context, objs *objects.Store, id zvc.ObjectID) ([]format.Entry, error) {
	if id.IsZero() {
		return nil, nil
	}
	shard, err := objs.GetShard(ctx, id)
	if err != nil {
		return nil, err
	}
	return shard.Entries, nil
}

// diffEntries walks two sorted entry lists in step.
func diffEntries(a, b []format.Entry, f func(zvc.Index) error) error {
	var i, j int
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].Index.Less(b[j].Index)):
			if err := f(a[i].Index); err != nil {
				return err
			}
			i++
		case i == len(a) || b[j].Index.Less(a[i].Index):
			if err := f(b[j].Index); err != nil {
				return err
			}
			j++
		default:
			if !a[i].Payload.Equal(b[j].Payload) {
				if err := f(a[i].Index); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	return nil
}

func sameSpan(a, b []uint32) bool {
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
