package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithLeaseReleasesOnError(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLease(ctx, dir, "k", LockOptions{Create: true}, func() error {
		if !dir.holds(mustPath(t, dir, "k")) {
			t.Fatalf("lock should be held inside the lease")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if dir.holds(mustPath(t, dir, "k")) {
		t.Fatalf("lock should be released after the lease")
	}
}

func TestWithLeaseReleasesOnPanic(t *testing.T) {
	dir := newTestDirectory(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = WithLease(context.Background(), dir, "k", LockOptions{Create: true}, func() error {
			panic("boom")
		})
	}()

	if dir.holds(mustPath(t, dir, "k")) {
		t.Fatalf("lock should be released after a panic")
	}
}

func TestWithLeaseLockFailureSkipsCallback(t *testing.T) {
	dir := newTestDirectory(t)
	called := false
	err := WithLease(context.Background(), dir, "absent", LockOptions{Timeout: NoWait}, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if called {
		t.Fatalf("callback must not run without the lock")
	}
}

func TestWithLeaseFileStartsEmptyAndWritesBack(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	err := WithLeaseFile(ctx, dir, "state", LockOptions{Create: true}, func(path string) error {
		if got := readFile(t, path); got != "" {
			t.Fatalf("new key should start empty, got %q", got)
		}
		return os.WriteFile(path, []byte("v1"), 0o644)
	})
	if err != nil {
		t.Fatalf("lease file error: %v", err)
	}

	err = WithLeaseFile(ctx, dir, "state", LockOptions{}, func(path string) error {
		if got := readFile(t, path); got != "v1" {
			t.Fatalf("expected previous content, got %q", got)
		}
		return os.WriteFile(path, []byte("v2"), 0o644)
	})
	if err != nil {
		t.Fatalf("lease file error: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := dir.LoadFile(ctx, "state", dest); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if got := readFile(t, dest); got != "v2" {
		t.Fatalf("expected written back content, got %q", got)
	}
}

func TestWithLeaseFileErrorDiscardsChanges(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	storeString(t, dir, "state", "original")
	boom := errors.New("boom")

	err := WithLeaseFile(ctx, dir, "state", LockOptions{}, func(path string) error {
		if err := os.WriteFile(path, []byte("changed"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := dir.LoadFile(ctx, "state", dest); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if got := readFile(t, dest); got != "original" {
		t.Fatalf("failed lease must not write back, got %q", got)
	}
}

func TestWithLeaseFileKeepsEmptiedContent(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	storeString(t, dir, "state", "original")

	err := WithLeaseFile(ctx, dir, "state", LockOptions{}, func(path string) error {
		return os.Truncate(path, 0)
	})
	if err != nil {
		t.Fatalf("lease file error: %v", err)
	}

	ok, err := dir.Exists(ctx, "state")
	if err != nil || !ok {
		t.Fatalf("emptied content is still an artifact, got %v %v", ok, err)
	}
	dest := filepath.Join(t.TempDir(), "out")
	if err := dir.LoadFile(ctx, "state", dest); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if got := readFile(t, dest); got != "" {
		t.Fatalf("expected empty content, got %q", got)
	}
}

func TestWithLeaseFileNewKeyFailureLeavesNothing(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	err := WithLeaseFile(ctx, dir, "fresh", LockOptions{Create: true}, func(path string) error {
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected callback error")
	}
	if _, statErr := os.Stat(filepath.Join(dir.Root(), "fresh")); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("failed lease on a new key should leave no file, got %v", statErr)
	}
}

func TestWithLeaseFileRemovalUnsetsKey(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	storeString(t, dir, "state", "original")
	storeString(t, dir, "neighbour", "keep")

	err := WithLeaseFile(ctx, dir, "state", LockOptions{}, func(path string) error {
		return os.Remove(path)
	})
	if err != nil {
		t.Fatalf("lease file error: %v", err)
	}

	if ok, _ := dir.Exists(ctx, "state"); ok {
		t.Fatalf("removing the leased file should unset the key")
	}
	if ok, _ := dir.Exists(ctx, "neighbour"); !ok {
		t.Fatalf("other keys must be untouched")
	}
}

func TestStoreAndLoadDirectory(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	source := t.TempDir()
	writeFile(t, filepath.Join(source, "bin", "tool"), "binary")
	writeFile(t, filepath.Join(source, "include", "zlib.h"), "header")

	withHeldKey(t, dir, "zlib", true, func() {
		if err := StoreDirectory(ctx, dir, source, "zlib"); err != nil {
			t.Fatalf("store directory error: %v", err)
		}
	})

	dest := filepath.Join(t.TempDir(), "restored")
	withHeldKey(t, dir, "zlib", false, func() {
		if err := LoadDirectory(ctx, dir, "zlib", dest); err != nil {
			t.Fatalf("load directory error: %v", err)
		}
	})

	if got := readFile(t, filepath.Join(dest, "bin", "tool")); got != "binary" {
		t.Fatalf("unexpected bin/tool content %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "include", "zlib.h")); got != "header" {
		t.Fatalf("unexpected include/zlib.h content %q", got)
	}
}

func TestStoreDirectoryMissingSource(t *testing.T) {
	dir := newTestDirectory(t)
	err := StoreDirectory(context.Background(), dir, filepath.Join(t.TempDir(), "missing"), "zlib")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if ok, _ := dir.Exists(context.Background(), "zlib"); ok {
		t.Fatalf("failed store must not leave an artifact")
	}
}

func TestLoadDirectoryMissingKey(t *testing.T) {
	dir := newTestDirectory(t)
	err := LoadDirectory(context.Background(), dir, "absent", t.TempDir())
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func mustPath(t *testing.T, dir *Directory, key string) string {
	t.Helper()
	path, err := dir.path("test", key)
	if err != nil {
		t.Fatalf("path for %s: %v", key, err)
	}
	return path
}
