package cache

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMatchesKindSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want error
		kind Kind
	}{
		{keyLocked("lock_key", "k", nil), ErrKeyLocked, KindKeyLocked},
		{keyNotFound("load_file", "k"), ErrKeyNotFound, KindKeyNotFound},
		{sourceNotFound("store_file", "k", "/src"), ErrSourceNotFound, KindSourceNotFound},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !errors.Is(wrapped, tc.want) {
			t.Fatalf("%v should match %v", wrapped, tc.want)
		}
		if !errors.Is(wrapped, ErrCache) {
			t.Fatalf("%v should match ErrCache", wrapped)
		}
		if KindOf(wrapped) != tc.kind {
			t.Fatalf("kind mismatch: got %s want %s", KindOf(wrapped), tc.kind)
		}
	}
}

func TestIOFailureKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := ioFailure("store_file", "k", "/cache/k", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if errors.Is(err, ErrCache) || errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("i/o failures are not cache state errors")
	}
	if KindOf(errors.New("plain")) != KindIO {
		t.Fatalf("foreign errors should be KindIO")
	}
	if msg := err.Error(); !strings.Contains(msg, "/cache/k") || !strings.Contains(msg, "disk on fire") {
		t.Fatalf("message should mention path and cause: %s", msg)
	}
}
