package s3

import (
	"testing"

	"github.com/harbor-cache/regcache/internal/storage"
)

func TestFormatRangeWithEnd(t *testing.T) {
	got := formatRange(storage.Range{Start: 5, End: 9, HasEnd: true})
	if got != "bytes=5-9" {
		t.Fatalf("expected %q, got %q", "bytes=5-9", got)
	}
}

func TestFormatRangeOpenEnded(t *testing.T) {
	got := formatRange(storage.Range{Start: 5})
	if got != "bytes=5-" {
		t.Fatalf("expected %q, got %q", "bytes=5-", got)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	total, ok := parseContentRangeTotal("bytes 5-9/528")
	if !ok || total != 528 {
		t.Fatalf("expected 528, got %d ok=%v", total, ok)
	}
}

func TestParseContentRangeTotalMalformed(t *testing.T) {
	if _, ok := parseContentRangeTotal("garbage"); ok {
		t.Fatal("expected ok=false for malformed header")
	}
}
