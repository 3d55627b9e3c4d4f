package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndOrdering(t *testing.T) {
	first := NewID("bm")
	second := NewID("bm")
	if !strings.HasPrefix(first, "bm_") {
		t.Fatalf("expected bm_ prefix, got %q", first)
	}
	if len(first) != len("bm_")+26 {
		t.Fatalf("unexpected id length %d", len(first))
	}
	if second <= first {
		t.Fatalf("expected monotonic ids, got %q then %q", first, second)
	}
	if bare := NewID(""); strings.Contains(bare, "_") {
		t.Fatalf("unexpected separator in %q", bare)
	}
}
