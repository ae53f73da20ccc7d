package fileid

import (
	"strings"
	"testing"
)

func TestSourceKey(t *testing.T) {
	id1 := SourceKey("/chats/2024-01.txt")
	if id1 != SourceKey("/chats/2024-01.txt") {
		t.Error("same path should give same key")
	}
	if !strings.HasPrefix(id1, prefix) {
		t.Errorf("key should have prefix %q: got %q", prefix, id1)
	}
	if id1 == SourceKey("/chats/2024-02.txt") {
		t.Error("different paths should give different keys")
	}
}

func TestSourceKey_normalized(t *testing.T) {
	tests := []string{"/chats/a.md", "/chats/./a.md", "/chats//a.md", "/chats/x/../a.md"}
	want := SourceKey(tests[0])
	for _, p := range tests[1:] {
		if got := SourceKey(p); got != want {
			t.Errorf("SourceKey(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(1700000000, 42)
	if a != Fingerprint(1700000000, 42) {
		t.Error("fingerprint should be deterministic")
	}
	if a == Fingerprint(1700000001, 42) || a == Fingerprint(1700000000, 43) {
		t.Error("fingerprint should change with mtime and size")
	}
	if len(a) != 32 {
		t.Errorf("unexpected length %d", len(a))
	}
}
