package cache

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDirectoryStoreAndLoadFile(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	source := writeFile(t, filepath.Join(t.TempDir(), "payload"), "payload")
	withHeldKey(t, dir, "lib/zlib", true, func() {
		if err := dir.StoreFile(ctx, source, "lib/zlib"); err != nil {
			t.Fatalf("store error: %v", err)
		}
	})

	dest := filepath.Join(t.TempDir(), "nested", "out")
	if err := dir.LoadFile(ctx, "lib/zlib", dest); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if got := readFile(t, dest); got != "payload" {
		t.Fatalf("payload mismatch: %q", got)
	}

	ok, err := dir.Exists(ctx, "lib/zlib")
	if err != nil || !ok {
		t.Fatalf("expected key to exist, got %v %v", ok, err)
	}
}

func TestDirectoryStoreOverwritesInPlace(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	tmp := t.TempDir()

	withHeldKey(t, dir, "foo", true, func() {
		if err := dir.StoreFile(ctx, writeFile(t, filepath.Join(tmp, "a"), "a much longer first payload"), "foo"); err != nil {
			t.Fatalf("store error: %v", err)
		}
		if err := dir.StoreFile(ctx, writeFile(t, filepath.Join(tmp, "b"), "short"), "foo"); err != nil {
			t.Fatalf("store error: %v", err)
		}
	})

	dest := filepath.Join(tmp, "out")
	if err := dir.LoadFile(ctx, "foo", dest); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if got := readFile(t, dest); got != "short" {
		t.Fatalf("expected overwritten payload, got %q", got)
	}
}

func TestDirectoryStoreMissingSource(t *testing.T) {
	dir := newTestDirectory(t)
	err := dir.StoreFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "foo")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if KindOf(err) != KindSourceNotFound {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
}

func TestDirectoryLoadMissingKey(t *testing.T) {
	dir := newTestDirectory(t)
	err := dir.LoadFile(context.Background(), "missing", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDirectoryPlaceholderIsNotAnArtifact(t *testing.T) {
	root := t.TempDir()
	dir := newDirectoryAt(t, root)
	other := newDirectoryAt(t, root)
	ctx := context.Background()

	withHeldKey(t, dir, "placeholder", true, func() {
		if _, err := os.Stat(filepath.Join(root, "placeholder")); err != nil {
			t.Fatalf("create lock should leave backing storage: %v", err)
		}
		ok, err := dir.Exists(ctx, "placeholder")
		if err != nil || ok {
			t.Fatalf("placeholder should not count as stored, got %v %v", ok, err)
		}
		if err := dir.LoadFile(ctx, "placeholder", filepath.Join(t.TempDir(), "out")); !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound for placeholder, got %v", err)
		}
		if err := other.LockKey(ctx, "placeholder", LockOptions{Timeout: NoWait}); !errors.Is(err, ErrKeyLocked) {
			t.Fatalf("placeholder should be locked as soon as it appears, got %v", err)
		}
	})

	if _, err := os.Stat(filepath.Join(root, "placeholder")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unstored placeholder should be removed on unlock, got %v", err)
	}
	if err := other.LockKey(ctx, "placeholder", LockOptions{Timeout: NoWait}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after placeholder removal, got %v", err)
	}
}

func TestDirectoryEmptyFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := newDirectoryAt(t, root)
	ctx := context.Background()

	storeString(t, dir, "k", "")

	ok, err := dir.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("empty artifact should exist, got %v %v", ok, err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	withHeldKey(t, dir, "k", false, func() {
		if err := dir.LoadFile(ctx, "k", dest); err != nil {
			t.Fatalf("load empty artifact error: %v", err)
		}
	})
	if got := readFile(t, dest); got != "" {
		t.Fatalf("expected empty payload, got %q", got)
	}

	// 另一个实例同样把零字节文件视为已存储。
	other := newDirectoryAt(t, root)
	if ok, err := other.Exists(ctx, "k"); err != nil || !ok {
		t.Fatalf("empty artifact should be visible to other instances, got %v %v", ok, err)
	}
}

func TestDirectoryStoreFailureKeepsNoPlaceholder(t *testing.T) {
	root := t.TempDir()
	dir := newDirectoryAt(t, root)
	ctx := context.Background()

	withHeldKey(t, dir, "k", true, func() {
		err := dir.StoreFile(ctx, filepath.Join(t.TempDir(), "missing"), "k")
		if !errors.Is(err, ErrSourceNotFound) {
			t.Fatalf("expected ErrSourceNotFound, got %v", err)
		}
	})
	if _, err := os.Stat(filepath.Join(root, "k")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed store should leave nothing behind, got %v", err)
	}
}

func TestDirectoryLockWithoutCreate(t *testing.T) {
	dir := newTestDirectory(t)
	err := dir.LockKey(context.Background(), "absent", LockOptions{Timeout: NoWait})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDirectoryLockContentionBetweenInstances(t *testing.T) {
	root := t.TempDir()
	first := newDirectoryAt(t, root)
	second := newDirectoryAt(t, root)
	ctx := context.Background()

	if err := first.LockKey(ctx, "k", LockOptions{Timeout: NoWait, Create: true}); err != nil {
		t.Fatalf("first lock error: %v", err)
	}
	err := second.LockKey(ctx, "k", LockOptions{Timeout: NoWait, Create: true})
	if !errors.Is(err, ErrKeyLocked) {
		t.Fatalf("expected ErrKeyLocked, got %v", err)
	}

	started := time.Now()
	err = second.LockKey(ctx, "k", LockOptions{Timeout: Within(50 * time.Millisecond), Create: true})
	if !errors.Is(err, ErrKeyLocked) {
		t.Fatalf("expected ErrKeyLocked after timeout, got %v", err)
	}
	if time.Since(started) < 50*time.Millisecond {
		t.Fatalf("bounded wait returned early")
	}

	if err := first.UnlockKey("k"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
	if err := second.LockKey(ctx, "k", LockOptions{Timeout: NoWait, Create: true}); err != nil {
		t.Fatalf("lock after release error: %v", err)
	}
	if err := second.UnlockKey("k"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
}

func TestDirectoryUnlockWithoutHolding(t *testing.T) {
	dir := newTestDirectory(t)
	if err := dir.UnlockKey("never-locked"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDirectoryUnsetKey(t *testing.T) {
	root := t.TempDir()
	dir := newDirectoryAt(t, root)
	other := newDirectoryAt(t, root)
	ctx := context.Background()

	if err := dir.UnsetKey(ctx, "absent"); err != nil {
		t.Fatalf("unset of absent key should be a no-op, got %v", err)
	}

	storeString(t, dir, "foo", "data")

	if err := other.LockKey(ctx, "foo", LockOptions{Timeout: NoWait}); err != nil {
		t.Fatalf("lock error: %v", err)
	}
	if err := dir.UnsetKey(ctx, "foo"); !errors.Is(err, ErrKeyLocked) {
		t.Fatalf("expected ErrKeyLocked while another instance holds the key, got %v", err)
	}
	if err := other.UnlockKey("foo"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}

	if err := dir.UnsetKey(ctx, "foo"); err != nil {
		t.Fatalf("unset error: %v", err)
	}
	if ok, _ := dir.Exists(ctx, "foo"); ok {
		t.Fatalf("key should be gone after unset")
	}
}

func TestDirectoryUnsetWhileHolding(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()
	storeString(t, dir, "foo", "data")

	if err := dir.LockKey(ctx, "foo", LockOptions{Timeout: NoWait}); err != nil {
		t.Fatalf("lock error: %v", err)
	}
	if err := dir.UnsetKey(ctx, "foo"); err != nil {
		t.Fatalf("unset while holding error: %v", err)
	}
	if err := dir.UnlockKey("foo"); err != nil {
		t.Fatalf("unlock after unset error: %v", err)
	}
	if err := dir.LockKey(ctx, "foo", LockOptions{Timeout: NoWait}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after unset, got %v", err)
	}
}

func TestDirectoryWaiterSeesUnsetKey(t *testing.T) {
	root := t.TempDir()
	holder := newDirectoryAt(t, root)
	waiter := newDirectoryAt(t, root)
	ctx := context.Background()
	storeString(t, holder, "foo", "data")

	if err := holder.LockKey(ctx, "foo", LockOptions{Timeout: NoWait}); err != nil {
		t.Fatalf("lock error: %v", err)
	}

	var wg sync.WaitGroup
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		waitErr = waiter.LockKey(ctx, "foo", LockOptions{Timeout: Within(5 * time.Second)})
	}()

	time.Sleep(50 * time.Millisecond)
	if err := holder.UnsetKey(ctx, "foo"); err != nil {
		t.Fatalf("unset error: %v", err)
	}
	if err := holder.UnlockKey("foo"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
	wg.Wait()

	if !errors.Is(waitErr, ErrKeyNotFound) {
		t.Fatalf("waiter should observe the key vanished, got %v", waitErr)
	}
}

func TestDirectoryRejectsEscapingKeys(t *testing.T) {
	dir := newTestDirectory(t)
	for _, key := range []string{"", "../outside", "/etc/passwd", "."} {
		t.Run(key, func(t *testing.T) {
			err := dir.LockKey(context.Background(), key, LockOptions{Create: true})
			if err == nil {
				t.Fatalf("expected error for key %q", key)
			}
			if KindOf(err) != KindIO {
				t.Fatalf("invalid key should be an i/o kind error, got %s", KindOf(err))
			}
		})
	}
}

func TestDirectoryLockHeldByOtherProcess(t *testing.T) {
	root := t.TempDir()
	dir := newDirectoryAt(t, root)
	ctx := context.Background()

	release := startHolder(t, root, "k")

	err := dir.LockKey(ctx, "k", LockOptions{Timeout: NoWait})
	if !errors.Is(err, ErrKeyLocked) {
		t.Fatalf("expected ErrKeyLocked while another process holds k, got %v", err)
	}

	release()

	if err := dir.LockKey(ctx, "k", LockOptions{Timeout: NoWait, Create: true}); err != nil {
		t.Fatalf("expected lock once the other process released, got %v", err)
	}
	if err := dir.UnlockKey("k"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
}

func TestDirectoryTwoProcessesRace(t *testing.T) {
	root := t.TempDir()
	hold := helperHoldEnv + "=2s"

	first := helperCommand(t, "try", root, "k", hold)
	second := helperCommand(t, "try", root, "k", hold)
	if err := first.Start(); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := second.Start(); err != nil {
		t.Fatalf("start second: %v", err)
	}

	codes := []int{exitCode(t, first.Wait()), exitCode(t, second.Wait())}
	winners, locked := 0, 0
	for _, code := range codes {
		switch code {
		case 0:
			winners++
		case helperExitLocked:
			locked++
		default:
			t.Fatalf("unexpected helper exit code %d", code)
		}
	}
	if winners != 1 || locked != 1 {
		t.Fatalf("expected exactly one winner and one KeyLocked, got codes %v", codes)
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	t.Fatalf("helper wait error: %v", err)
	return -1
}

// newTestDirectory returns a Directory backend rooted at a temporary directory.
func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	return newDirectoryAt(t, t.TempDir())
}

func newDirectoryAt(t *testing.T, root string) *Directory {
	t.Helper()
	dir, err := NewDirectory(root)
	if err != nil {
		t.Fatalf("failed to create directory backend: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func withHeldKey(t *testing.T, dir *Directory, key string, create bool, fn func()) {
	t.Helper()
	err := WithLease(context.Background(), dir, key, LockOptions{Timeout: NoWait, Create: create}, func() error {
		fn()
		return nil
	})
	if err != nil {
		t.Fatalf("lease %s: %v", key, err)
	}
}

func storeString(t *testing.T, dir *Directory, key, content string) {
	t.Helper()
	source := writeFile(t, filepath.Join(t.TempDir(), "src"), content)
	withHeldKey(t, dir, key, true, func() {
		if err := dir.StoreFile(context.Background(), source, key); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	})
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
