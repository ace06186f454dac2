package version

import (
	"strings"
	"testing"
)

func TestFullIncludesVersionAndCommit(t *testing.T) {
	got := Full()
	if !strings.HasPrefix(got, "needy-cache ") || !strings.Contains(got, Version) || !strings.Contains(got, Commit) {
		t.Fatalf("unexpected version string %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "needy-cache/"+Version {
		t.Fatalf("unexpected user agent %q", got)
	}
}
