package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
realtime:
  voice: alloy
`
	changedYAML = `
server:
  log_level: debug
realtime:
  voice: verse
`
	brokenYAML = `
server:
  log_level: bananas
`
)

// testEnv supplies the API key the way a deployment would.
func testEnv(key string) (string, bool) {
	if key == config.EnvAPIKey {
		return "sk-test", true
	}
	return "", false
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// replaceFile swaps in new content atomically so a concurrent poll never
// reads a half-written file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", tmp, err)
	}
}

// bumpModTime moves the file's modification time forward so the poller
// notices a rewrite even on filesystems with coarse timestamps.
func bumpModTime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	at := time.Now().Add(by)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// changes records onChange invocations.
type changes struct {
	mu   sync.Mutex
	got  [][2]*config.Config
	seen chan struct{}
}

func newChanges() *changes { return &changes{seen: make(chan struct{}, 16)} }

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.got = append(c.got, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func newWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond), config.WithLookup(testEnv))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, baseYAML, nil)

	cfg := w.Current()
	if cfg.Realtime.Voice != "alloy" || cfg.Realtime.APIKey != "sk-test" {
		t.Errorf("Current() = voice %q key %q, want alloy with the environment key", cfg.Realtime.Voice, cfg.Realtime.APIKey)
	}
}

func TestWatcher_InitialLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/callbridge.yaml", nil, config.WithLookup(testEnv)); err == nil {
		t.Error("missing file: expected error")
	}

	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	writeFile(t, path, baseYAML)
	noEnv := func(string) (string, bool) { return "", false }
	if _, err := config.NewWatcher(path, nil, config.WithLookup(noEnv)); err == nil {
		t.Error("config without api_key: expected error")
	}
}

func TestWatcher_RunPicksUpChange(t *testing.T) {
	t.Parallel()
	c := newChanges()
	w, path := newWatcher(t, baseYAML, c.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	replaceFile(t, path, changedYAML)
	bumpModTime(t, path, time.Second)

	select {
	case <-c.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}
	pair := c.got[0]
	if pair[0].Realtime.Voice != "alloy" || pair[1].Realtime.Voice != "verse" {
		t.Errorf("onChange voices = %q -> %q, want alloy -> verse", pair[0].Realtime.Voice, pair[1].Realtime.Voice)
	}
	if d := config.Diff(pair[0], pair[1]); !d.CallSettingsChanged || !d.LogLevelChanged {
		t.Errorf("Diff = %+v, want log level and call settings changed", d)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", got)
	}
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, baseYAML, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	c := newChanges()
	w, path := newWatcher(t, baseYAML, c.record)

	// Unchanged content is not a change.
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload unchanged: %v", err)
	}
	if n := c.count(); n != 0 {
		t.Fatalf("onChange called %d times for unchanged content", n)
	}

	// A broken file is reported and the old config stays.
	writeFile(t, path, brokenYAML)
	if err := w.Reload(); err == nil {
		t.Fatal("Reload of invalid file: expected error")
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q after failed reload, want info", got)
	}

	// Reload ignores modification times.
	writeFile(t, path, changedYAML)
	bumpModTime(t, path, -time.Hour)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := c.count(); n != 1 {
		t.Fatalf("onChange called %d times, want 1", n)
	}
	if got := w.Current().Realtime.Voice; got != "verse" {
		t.Errorf("Current() voice = %q, want verse", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	c := newChanges()
	w, path := newWatcher(t, baseYAML, c.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	bumpModTime(t, path, time.Second)
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if n := c.count(); n != 0 {
		t.Errorf("onChange called %d times for a touch", n)
	}
}
