package lmtp

import (
	"path/filepath"
	"testing"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := config.DefaultConfig()
	prefix := t.TempDir()
	cfg.Paths = config.PathsConfig{
		Prefix:   prefix,
		QueueDir: filepath.Join(prefix, "qfiles"),
		ListsDir: filepath.Join(prefix, "lists"),
		DataDir:  filepath.Join(prefix, "data"),
		LocksDir: filepath.Join(prefix, "locks"),
		LogsDir:  filepath.Join(prefix, "logs"),
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	store := list.NewStore(cfg.Paths.ListsDir, cfg.Paths.DataDir, cfg.Paths.LocksDir,
		cfg.LockLifetime(), cfg.ListLockTimeout())
	if _, err := store.Create("projects", "example.com"); err != nil {
		t.Fatal(err)
	}
	return NewBackend(cfg, store, logging.Default())
}

func TestResolveRouting(t *testing.T) {
	b := testBackend(t)

	cases := []struct {
		to      string
		queue   string
		implied string
	}{
		{"projects@example.com", "incoming", ""},
		{"Projects@Example.COM", "incoming", ""},
		{"projects-bounces@example.com", "bounce", ""},
		{"projects-request@example.com", "command", ""},
		{"projects-join@example.com", "command", "subscribe"},
		{"projects-subscribe@example.com", "command", "subscribe"},
		{"projects-leave@example.com", "command", "unsubscribe"},
		{"projects-unsubscribe@example.com", "command", "unsubscribe"},
		{"projects-owner@example.com", "owner", ""},
	}
	for _, tc := range cases {
		rt, err := b.resolve(tc.to)
		if err != nil {
			t.Errorf("resolve(%q) error = %v", tc.to, err)
			continue
		}
		if rt.listname != "projects" {
			t.Errorf("resolve(%q).listname = %q", tc.to, rt.listname)
		}
		if rt.queue != tc.queue {
			t.Errorf("resolve(%q).queue = %q, want %q", tc.to, rt.queue, tc.queue)
		}
		if rt.implied != tc.implied {
			t.Errorf("resolve(%q).implied = %q, want %q", tc.to, rt.implied, tc.implied)
		}
	}
}

func TestResolveUnknownList(t *testing.T) {
	b := testBackend(t)
	for _, to := range []string{
		"nosuch@example.com",
		"nosuch-request@example.com",
		"malformed",
	} {
		if _, err := b.resolve(to); err == nil {
			t.Errorf("resolve(%q) succeeded", to)
		}
	}
}

// A list whose name itself ends in a routing suffix must still be
// reachable: suffix matches only count when the base list exists.
func TestResolveSuffixNamedList(t *testing.T) {
	b := testBackend(t)
	if _, err := b.store.Create("all-request", "example.com"); err != nil {
		t.Fatal(err)
	}
	rt, err := b.resolve("all-request@example.com")
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if rt.listname != "all-request" || rt.queue != "incoming" {
		t.Errorf("resolve() = %+v, want posting route to all-request", rt)
	}
}
