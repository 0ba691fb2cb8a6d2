package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestStringShortensCommit(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() { Version, Commit = origVersion, origCommit }()
	Version = "v1.2.3"
	Commit = "0123456789abcdef0123456789abcdef01234567"

	s := String()
	if !strings.HasPrefix(s, "v1.2.3+0123456789ab") {
		t.Fatalf("String() = %q", s)
	}
	if strings.Contains(s, Commit) {
		t.Fatalf("full commit leaked into %q", s)
	}
}

func TestDetailedNamesTheBinary(t *testing.T) {
	out := Detailed()
	if !strings.HasPrefix(out, "gembridge ") {
		t.Fatalf("Detailed() = %q", out)
	}
	if !strings.Contains(out, runtime.Version()) {
		t.Fatalf("Detailed() missing go version: %q", out)
	}
}
