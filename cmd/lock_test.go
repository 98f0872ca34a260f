package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/internal/log"
)

func TestAcquireInstanceLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := acquireInstanceLock(dir, "serve.lock")
	if err != nil {
		t.Fatalf("acquireInstanceLock() error = %v", err)
	}
	defer releaseInstanceLock(lock, log.NewNop())

	if lock.Path() != filepath.Join(dir, "serve.lock") {
		t.Errorf("lock path = %q, want under %q", lock.Path(), dir)
	}
}

func TestAcquireInstanceLock_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	lock, err := acquireInstanceLock(dir, "serve.lock")
	if err != nil {
		t.Fatalf("acquireInstanceLock() error = %v", err)
	}
	releaseInstanceLock(lock, log.NewNop())
}

func TestAcquireInstanceLock_HeldLockFails(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireInstanceLock(dir, "serve.lock")
	if err != nil {
		t.Fatalf("first acquire error = %v", err)
	}
	defer releaseInstanceLock(first, log.NewNop())

	if _, err := acquireInstanceLock(dir, "serve.lock"); err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	} else if !strings.Contains(err.Error(), "another instance") {
		t.Errorf("error = %q, want mention of the running instance", err)
	}
}

func TestAcquireInstanceLock_ReleasedLockReusable(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireInstanceLock(dir, "serve.lock")
	if err != nil {
		t.Fatalf("first acquire error = %v", err)
	}
	releaseInstanceLock(first, log.NewNop())

	second, err := acquireInstanceLock(dir, "serve.lock")
	if err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
	releaseInstanceLock(second, log.NewNop())
}

func TestReleaseInstanceLock_NilLock(t *testing.T) {
	releaseInstanceLock(nil, log.NewNop()) // must not panic
}
