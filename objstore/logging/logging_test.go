package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore/mem"
	"github.com/bobg/zvc/testutil"
)

func TestStore(t *testing.T) {
	testutil.ObjectStore(context.Background(), t, func() zvc.ObjectStore {
		return New(mem.New(), nil)
	})
}

func TestFetchLog(t *testing.T) {
	var (
		ctx    = context.Background()
		buf    = new(bytes.Buffer)
		logger = log.New()
	)
	logger.SetOutput(buf)
	logger.SetLevel(log.DebugLevel)

	s := New(mem.New(), logger)
	if _, err := s.Put(ctx, "nodes/a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "nodes/a"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "nodes/b"); err == nil {
		t.Fatal("expected an error for an absent key")
	}

	if diff := cmp.Diff([]string{"nodes/a", "nodes/b"}, s.Fetches()); diff != "" {
		t.Errorf("fetch log mismatch (-want +got):\n%s", diff)
	}
	s.ResetFetches()
	if got := s.Fetches(); len(got) != 0 {
		t.Errorf("got %v after reset", got)
	}

	out := buf.String()
	for _, want := range []string{"msg=Put", "msg=Get", "key=nodes/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
