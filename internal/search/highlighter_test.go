package search

import (
	"strings"
	"testing"
)

func TestHighlight(t *testing.T) {
	if Highlight("short", "x", 10) != "short" {
		t.Error("short string should be unchanged")
	}
	if Highlight("x", "x", 0) != "x" {
		t.Error("maxLen 0 should return as-is")
	}
	if got := Highlight("long text here", "", 4); got != "long..." {
		t.Errorf("got %q", got)
	}

	content := strings.Repeat("filler ", 20) + "the Omnisyan result " + strings.Repeat("tail ", 20)
	got := Highlight(content, "omnisyan", 30)
	if !strings.Contains(got, "Omnisyan") {
		t.Errorf("snippet %q should contain the match", got)
	}
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "...") {
		t.Errorf("snippet %q should be marked on both ends", got)
	}
}

func TestHighlight_MultibyteSafe(t *testing.T) {
	content := strings.Repeat("日本語", 20)
	got := Highlight(content, "語", 10)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("got %q", got)
	}
	if strings.ContainsRune(got, '�') {
		t.Errorf("snippet split a rune: %q", got)
	}
}
