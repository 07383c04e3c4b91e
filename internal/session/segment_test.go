package session

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSegment_Empty(t *testing.T) {
	if got := Segment(""); got != nil {
		t.Errorf("Segment(\"\") = %v, want nil", got)
	}
	if got := Segment("   \n\t "); got != nil {
		t.Errorf("Segment(whitespace) = %v, want nil", got)
	}
}

func TestSegment_TrailingPunctuationNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello there", "hello there."},
		{"hello there.", "hello there."},
		{"ready?", "ready?"},
		{"go!", "go!"},
	}
	for _, tt := range tests {
		got := Segment(tt.in)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("Segment(%q) = %v, want [%q]", tt.in, got, tt.want)
		}
	}
}

func TestSegment_Deterministic(t *testing.T) {
	text := strings.Repeat("One sentence here. ", 120)
	a := Segment(text)
	b := Segment(text)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("segment %d differs", i)
		}
	}
}

func TestSegment_BoundsAndOrder(t *testing.T) {
	// ~2400 chars: must split into multiple bounded segments.
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 52)
	segments := Segment(text)

	if len(segments) < 2 {
		t.Fatalf("got %d segments, want several", len(segments))
	}
	for i, seg := range segments {
		if len(seg) > MaxSegmentLen {
			t.Errorf("segment %d length %d exceeds %d", i, len(seg), MaxSegmentLen)
		}
		if seg == "" {
			t.Errorf("segment %d is empty", i)
		}
	}

	// No content lost or reordered: rejoining gives back the text.
	joined := strings.Join(segments, " ")
	want := strings.Join(strings.Fields(text), " ")
	got := strings.Join(strings.Fields(joined), " ")
	if got != want {
		t.Error("rejoined segments do not match the input text")
	}
}

func TestSegment_PrefersSentenceBoundaries(t *testing.T) {
	text := strings.Repeat("A short sentence. ", 100)
	for i, seg := range Segment(text) {
		if !strings.HasSuffix(seg, ".") {
			t.Errorf("segment %d %q does not end at a sentence boundary", i, seg[len(seg)-20:])
		}
	}
}

func TestSegment_FallsBackToWhitespace(t *testing.T) {
	// No sentence punctuation until the very end.
	text := strings.Repeat("word ", 400) + "end"
	for i, seg := range Segment(text) {
		if len(seg) > MaxSegmentLen {
			t.Errorf("segment %d length %d exceeds %d", i, len(seg), MaxSegmentLen)
		}
	}
}

func TestSegment_MultibyteHardCutsOnRuneBoundaries(t *testing.T) {
	// An unbroken ideograph run: no sentence punctuation, no whitespace.
	text := strings.Repeat("好", 1200)
	segments := Segment(text)
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	total := 0
	for i, seg := range segments {
		if !utf8.ValidString(seg) {
			t.Errorf("segment %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(seg); n > MaxSegmentLen {
			t.Errorf("segment %d has %d characters, exceeds %d", i, n, MaxSegmentLen)
		}
		total += utf8.RuneCountInString(seg)
	}
	// 1200 ideographs plus the appended period.
	if total != 1201 {
		t.Errorf("total segmented characters = %d, want 1201", total)
	}
}

func TestSegment_PrefersCJKSentenceBoundaries(t *testing.T) {
	text := strings.Repeat("这是一个完整的句子。", 150)
	segments := Segment(text)
	if len(segments) < 2 {
		t.Fatalf("got %d segments, want several", len(segments))
	}
	for i, seg := range segments {
		if !strings.HasSuffix(seg, "。") {
			t.Errorf("segment %d does not end at a sentence boundary", i)
		}
		if n := utf8.RuneCountInString(seg); n > MaxSegmentLen {
			t.Errorf("segment %d has %d characters, exceeds %d", i, n, MaxSegmentLen)
		}
	}
}

func TestSegment_HardCutsUnbrokenRuns(t *testing.T) {
	text := strings.Repeat("x", 2500)
	segments := Segment(text)
	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(segments))
	}
	total := 0
	for i, seg := range segments {
		if len(seg) > MaxSegmentLen {
			t.Errorf("segment %d length %d exceeds %d", i, len(seg), MaxSegmentLen)
		}
		total += len(seg)
	}
	// 2500 x's plus the appended period.
	if total != 2501 {
		t.Errorf("total segmented length = %d, want 2501", total)
	}
}
