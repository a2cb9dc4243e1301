package kbchat

import (
	"testing"

	"github.com/google/uuid"

	"github.com/embedkb/embedkb/internal/store"
)

func match(id int64, source uuid.UUID, similarity float64) store.ChunkMatch {
	return store.ChunkMatch{ID: id, SourceID: source, Similarity: similarity}
}

func TestSelectDiversePerSourceCap(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	candidates := []store.ChunkMatch{
		match(1, a, 0.9),
		match(2, a, 0.85),
		match(3, a, 0.8),
		match(4, b, 0.7),
	}

	got := selectDiverse(candidates, 8, 2)
	if len(got) != 3 {
		t.Fatalf("selected %d chunks, want 3", len(got))
	}
	// Exactly the two best from A, then B, in priority order.
	wantIDs := []int64{1, 2, 4}
	for i, w := range wantIDs {
		if got[i].ID != w {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, w)
		}
	}
}

func TestSelectDiversePenaltyPromotesOtherSources(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	candidates := []store.ChunkMatch{
		match(1, a, 0.9),
		match(2, a, 0.85),
		match(3, b, 0.84),
	}

	// After picking chunk 1, chunk 2 scores 0.85 - 0.08 = 0.77, so the
	// untouched source B (0.84) wins the second slot.
	got := selectDiverse(candidates, 3, 2)
	wantIDs := []int64{1, 3, 2}
	if len(got) != 3 {
		t.Fatalf("selected %d chunks, want 3", len(got))
	}
	for i, w := range wantIDs {
		if got[i].ID != w {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, w)
		}
	}
}

func TestSelectDiverseFinalLimit(t *testing.T) {
	src := uuid.New()
	candidates := []store.ChunkMatch{
		match(1, src, 0.9),
		match(2, src, 0.8),
		match(3, src, 0.7),
	}
	got := selectDiverse(candidates, 2, 10)
	if len(got) != 2 {
		t.Errorf("selected %d chunks, want 2 (final limit)", len(got))
	}
}

func TestSelectDiverseTiesKeepEncounterOrder(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	candidates := []store.ChunkMatch{
		match(1, a, 0.8),
		match(2, b, 0.8),
	}
	got := selectDiverse(candidates, 2, 2)
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("tie order = [%d, %d], want [1, 2]", got[0].ID, got[1].ID)
	}
}

func TestSelectDiverseEmpty(t *testing.T) {
	if got := selectDiverse(nil, 8, 2); got != nil {
		t.Errorf("selectDiverse(nil) = %v, want nil", got)
	}
}
