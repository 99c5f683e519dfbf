package repo

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore/logging"
	"github.com/bobg/zvc/objstore/mem"
	"github.com/bobg/zvc/testutil"
)

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "zvc")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cases := []struct {
		name    string
		json    string
		wantErr bool
		check   func(Config) bool
	}{
		{
			name:  "empty",
			json:  `{}`,
			check: func(c Config) bool { return c.withDefaults().CacheSize == DefaultCacheSize },
		},
		{
			name: "full",
			json: `{"storage": {"type": "mem"}, "cache_size": -1, "inline_threshold": 64, "retry": {"min": "10ms", "max": "1s", "attempts": 3}, "compress": false}`,
			check: func(c Config) bool {
				c = c.withDefaults()
				return c.CacheSize == -1 && c.InlineThreshold == 64 && c.Retry.Attempts == 3 && !*c.Compress && c.MaxRebaseAttempts == DefaultMaxRebaseAttempts
			},
		},
		{name: "unknown field", json: `{"cache": 1}`, wantErr: true},
		{name: "bad duration", json: `{"retry": {"min": "soon"}}`, wantErr: true},
		{name: "inverted backoff", json: `{"retry": {"min": "1s", "max": "1ms"}}`, wantErr: true},
		{name: "negative rebase", json: `{"max_rebase_attempts": -1}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filename := filepath.Join(dir, tc.name+".json")
			if err := ioutil.WriteFile(filename, []byte(tc.json), 0644); err != nil {
				t.Fatal(err)
			}
			conf, err := LoadConfig(filename)
			if tc.wantErr {
				if err == nil {
					t.Error("got no error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tc.check(conf) {
				t.Errorf("unexpected config %+v", conf)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	if diff := cmp.Diff(DefaultConfig(), Config{}.withDefaults()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	conf := testConfig()
	conf.Storage = map[string]interface{}{"type": "mem"}

	r, err := FromConfig(ctx, conf, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = r.BranchTip(ctx, MainBranch); err != nil {
		t.Fatal(err)
	}

	conf.Storage = map[string]interface{}{"type": "nonesuch"}
	if _, err = FromConfig(ctx, conf); err == nil {
		t.Error("opened an unknown storage type")
	}
}

func TestTransientFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &testutil.Flaky{ObjectStore: mem.New()}
	r, err := Create(ctx, flaky, testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	s, err := r.WritableSession(ctx, MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.AddArray(ctx, "/temp", tempMeta, nil); err != nil {
		t.Fatal(err)
	}
	if err = s.SetChunk(ctx, "/temp", zvc.Index{1, 2}, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}

	flaky.FailNext(3)
	id, err := s.Commit(ctx, "through the storm")
	if err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, r, id, "/temp", zvc.Index{1, 2}); len(got) != 2048 {
		t.Errorf("got %d bytes", len(got))
	}
}

func TestRepoCache(t *testing.T) {
	ctx := context.Background()
	m := mem.New()
	logged := logging.New(m, quietLogger())

	r, err := Create(ctx, logged, testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	id := withTemp(t, r)

	s, _ := r.WritableSession(ctx, MainBranch)
	if err = s.SetChunk(ctx, "/temp", zvc.Index{0, 0}, []byte("cached")); err != nil {
		t.Fatal(err)
	}
	if id, err = s.Commit(ctx, "chunk"); err != nil {
		t.Fatal(err)
	}

	// A cold repository on the same store reads the same bytes.
	cold, err := Open(ctx, m, Config{CacheSize: -1}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	want := readChunk(t, cold, id, "/temp", zvc.Index{0, 0})

	readChunk(t, r, id, "/temp", zvc.Index{0, 0})
	logged.ResetFetches()
	got := readChunk(t, r, id, "/temp", zvc.Index{0, 0})
	if string(got) != string(want) {
		t.Errorf("warm read %q, cold read %q", got, want)
	}
	if f := logged.Fetches(); len(f) != 0 {
		t.Errorf("warm read fetched %v", f)
	}
	if hits, _ := r.CacheStats(); hits == 0 {
		t.Error("no cache hits")
	}
}
