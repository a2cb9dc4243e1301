package ingest

import (
	"strings"
	"testing"
)

// numberedParagraph builds a paragraph of n distinct-ish bytes so slice
// offsets can be verified positionally.
func numberedParagraph(n int, seed byte) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + (seed+byte(i))%26
	}
	return string(b)
}

func TestSplitChunksOverlapArithmetic(t *testing.T) {
	const size, overlap = 1200, 200
	p1 := numberedParagraph(3000, 0)
	p2 := numberedParagraph(3000, 7)
	text := p1 + "\n\n" + p2

	got := splitChunks(text, size, overlap, 300)
	if len(got) != 6 {
		t.Fatalf("chunks = %d, want 6 (3 slices per paragraph)", len(got))
	}

	// Slice N+1 starts stride = size-overlap = 1000 chars after slice N.
	for i, para := range []string{p1, p2} {
		base := i * 3
		for j, start := range []int{0, 1000, 2000} {
			end := start + size
			if end > len(para) {
				end = len(para)
			}
			if got[base+j] != para[start:end] {
				t.Errorf("chunk %d != paragraph[%d:%d]", base+j, start, end)
			}
		}
	}
	for i, c := range got {
		if len(c) > size {
			t.Errorf("chunk %d is %d chars, over size %d", i, len(c), size)
		}
	}
}

func TestSplitChunksGreedyPacking(t *testing.T) {
	text := "aaaa\n\nbbbb\n\ncccc"
	got := splitChunks(text, 10, 2, 300)

	want := []string{"aaaa\n\nbbbb", "cccc"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitChunksMaxChunks(t *testing.T) {
	text := strings.Repeat("paragraph\n\n", 20)
	got := splitChunks(text, 12, 2, 3)
	if len(got) != 3 {
		t.Errorf("chunks = %d, want 3 (capped)", len(got))
	}
	if got := splitChunks(text, 12, 2, 0); got != nil {
		t.Errorf("zero cap produced %d chunks", len(got))
	}
}

func TestSplitParagraphs(t *testing.T) {
	text := "first line\nsecond line\n\n   \nthird\r\n\n\nfourth"
	got := splitParagraphs(text)
	want := []string{"first line\nsecond line", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("paragraphs = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paragraph %d = %q, want %q", i, got[i], want[i])
		}
	}
}
