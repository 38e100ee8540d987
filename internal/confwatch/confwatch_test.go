package confwatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/ticketd/internal/confwatch"
)

type recorder struct {
	mu      sync.Mutex
	applied [][]byte
	reject  bool
}

func (r *recorder) apply(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return errors.New("rejected")
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	r.applied = append(r.applied, cp)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *recorder) lastApplied() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return nil
	}
	return r.applied[len(r.applied)-1]
}

func (r *recorder) setReject(v bool) {
	r.mu.Lock()
	r.reject = v
	r.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestInitialApplyRunsBeforeReturn(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "members.yaml")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	w, err := confwatch.New(path, rec.apply, confwatch.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = w
	if rec.count() != 1 {
		t.Fatalf("initial apply count = %d, want 1", rec.count())
	}
}

func TestInitialApplyErrorFailsConstruction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "members.yaml")
	if err := os.WriteFile(path, []byte("bad"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{reject: true}
	if _, err := confwatch.New(path, rec.apply); err == nil {
		t.Fatal("want error from rejected initial apply")
	}
}

func TestChangeTriggersReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "members.yaml")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	w, err := confwatch.New(path, rec.apply, confwatch.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); w.Run(ctx) }()

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.count() >= 2 })
	if got := string(rec.lastApplied()); got != "v2" {
		t.Fatalf("last applied = %q, want v2", got)
	}
	cancel()
	<-done
}

func TestAtomicReplaceTriggersReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "members.yaml")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	w, err := confwatch.New(path, rec.apply, confwatch.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Write-to-temp-then-rename, the way editors and configuration
	// management replace files.
	tmp := filepath.Join(dir, ".members.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.count() >= 2 })
	if got := string(rec.lastApplied()); got != "v2" {
		t.Fatalf("last applied = %q, want v2", got)
	}
}

func TestRejectedReloadKeepsPreviousContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "members.yaml")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	w, err := confwatch.New(path, rec.apply, confwatch.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	rec.setReject(true)
	if err := os.WriteFile(path, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("apply count = %d, want 1 (rejected reload must not apply)", rec.count())
	}

	// A later good edit still goes through.
	rec.setReject(false)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.count() >= 2 })
	if got := string(rec.lastApplied()); got != "v2" {
		t.Fatalf("last applied = %q, want v2", got)
	}
}
