package manifest

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/format"
	"github.com/bobg/zvc/objects"
	"github.com/bobg/zvc/objstore/mem"
)

func TestSpan(t *testing.T) {
	cases := []struct {
		ndim, target int
		want         []uint32
	}{
		{1, 4096, []uint32{4096}},
		{2, 4096, []uint32{64, 64}},
		{3, 4096, []uint32{16, 16, 16}},
		{3, 1000, []uint32{10, 10, 10}},
		{2, 10, []uint32{3, 3}},
		{4, 1, []uint32{1, 1, 1, 1}},
		{0, 4096, nil},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got := Span(c.ndim, c.target)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestShardKey(t *testing.T) {
	got := ShardKey(zvc.Index{130, 5, 64}, []uint32{64, 64, 64})
	if !got.Equal(zvc.Index{2, 0, 1}) {
		t.Errorf("got %s", got)
	}
}

func inline(s string) zvc.ChunkPayload {
	return zvc.ChunkPayload{Inline: []byte(s)}
}

func TestMerge(t *testing.T) {
	var (
		ctx  = context.Background()
		m    = mem.New()
		objs = objects.New(m, nil, false)
		span = []uint32{4, 4}
		node = &format.Node{Kind: zvc.ArrayKind, ShardSpan: span}
	)

	changes := make(Changes)
	changes.Set(zvc.Index{0, 0}, inline("a"))
	changes.Set(zvc.Index{0, 1}, inline("b"))
	changes.Set(zvc.Index{9, 9}, inline("c"))

	shards, written, err := Merge(ctx, objs, span, nil, changes)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 2 || len(written) != 2 {
		t.Fatalf("got %d shards, %d written; want 2, 2", len(shards), len(written))
	}
	node.Shards = shards

	for _, c := range []struct {
		idx  zvc.Index
		want string
	}{
		{zvc.Index{0, 0}, "a"},
		{zvc.Index{0, 1}, "b"},
		{zvc.Index{9, 9}, "c"},
	} {
		p, ok, err := Lookup(ctx, objs, node, c.idx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(p.Inline) != c.want {
			t.Errorf("lookup %s: got %q, %v; want %q", c.idx, p.Inline, ok, c.want)
		}
	}
	if _, ok, err := Lookup(ctx, objs, node, zvc.Index{5, 5}); err != nil || ok {
		t.Errorf("lookup of an absent index: %v, %v", ok, err)
	}

	// A write to one shard leaves the other's ref untouched.
	changes = make(Changes)
	changes.Set(zvc.Index{9, 8}, inline("d"))
	changes.Delete(zvc.Index{0, 1})
	shards2, written2, err := Merge(ctx, objs, span, shards, changes)
	if err != nil {
		t.Fatal(err)
	}
	if len(written2) != 2 {
		t.Errorf("got %d shards written, want 2", len(written2))
	}

	changes = make(Changes)
	changes.Set(zvc.Index{9, 10}, inline("e"))
	shards3, written3, err := Merge(ctx, objs, span, shards2, changes)
	if err != nil {
		t.Fatal(err)
	}
	if len(written3) != 1 {
		t.Errorf("got %d shards written, want 1", len(written3))
	}
	if diff := cmp.Diff(shards2[0], shards3[0]); diff != "" {
		t.Errorf("untouched shard changed (-want +got):\n%s", diff)
	}

	// Deleting the last entry in a shard drops the shard.
	changes = make(Changes)
	changes.Delete(zvc.Index{0, 0})
	shards4, _, err := Merge(ctx, objs, span, shards3, changes)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards4) != 1 || !shards4[0].Key.Equal(zvc.Index{2, 2}) {
		t.Errorf("got shards %v", shards4)
	}

	var got []string
	err = Each(ctx, objs, &format.Node{ShardSpan: span, Shards: shards4}, func(idx zvc.Index, p zvc.ChunkPayload) error {
		got = append(got, fmt.Sprintf("%s=%s", idx, p.Inline))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"[9,8]=d", "[9,9]=c", "[9,10]=e"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

// Merging the same changes in any grouping produces the same manifest.
func TestMergeDeterministic(t *testing.T) {
	var (
		ctx  = context.Background()
		objs = objects.New(mem.New(), nil, true)
		span = Span(2, 16)
		rng  = rand.New(rand.NewSource(1))
	)

	all := make(Changes)
	var batches []Changes
	for b := 0; b < 5; b++ {
		batch := make(Changes)
		for i := 0; i < 20; i++ {
			idx := zvc.Index{uint32(b*20 + i), uint32(rng.Intn(30))}
			p := inline(fmt.Sprintf("v%d", rng.Int()))
			batch.Set(idx, p)
			all.Set(idx, p)
		}
		batches = append(batches, batch)
	}

	oneShot, _, err := Merge(ctx, objs, span, nil, all)
	if err != nil {
		t.Fatal(err)
	}
	var incremental []format.ShardRef
	for _, batch := range batches {
		incremental, _, err = Merge(ctx, objs, span, incremental, batch)
		if err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(oneShot, incremental); diff != "" {
		t.Errorf("mismatch (-oneshot +incremental):\n%s", diff)
	}
}

func TestChanged(t *testing.T) {
	var (
		ctx  = context.Background()
		m    = mem.New()
		objs = objects.New(m, nil, false)
		span = []uint32{2}
	)

	base := make(Changes)
	for i := uint32(0); i < 10; i++ {
		base.Set(zvc.Index{i}, inline(fmt.Sprint(i)))
	}
	shards, _, err := Merge(ctx, objs, span, nil, base)
	if err != nil {
		t.Fatal(err)
	}
	a := &format.Node{ShardSpan: span, Shards: shards}

	changes := make(Changes)
	changes.Set(zvc.Index{3}, inline("three"))
	changes.Delete(zvc.Index{8})
	changes.Set(zvc.Index{12}, inline("twelve"))
	changes.Set(zvc.Index{5}, inline("5")) // unchanged value
	shards, _, err = Merge(ctx, objs, span, shards, changes)
	if err != nil {
		t.Fatal(err)
	}
	b := &format.Node{ShardSpan: span, Shards: shards}

	var got []string
	collect := func(idx zvc.Index) error {
		got = append(got, idx.String())
		return nil
	}
	if err = Changed(ctx, objs, a, b, collect); err != nil {
		t.Fatal(err)
	}
	want := []string{"[3]", "[8]", "[12]"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	got = nil
	if err = Changed(ctx, objs, nil, a, collect); err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("got %d changes against an absent manifest, want 10", len(got))
	}
}
