package kbchat

import "github.com/embedkb/embedkb/internal/store"

// diversityPenalty is subtracted from a candidate's similarity for every
// chunk already chosen from the same source.
const diversityPenalty = 0.08

// selectDiverse greedily picks up to final candidates, each time taking the
// one maximizing (similarity - penalty * alreadyChosenFromSource), skipping
// sources that reached maxPerSource. Ties go to the earlier candidate, so
// the output order is the selection priority order.
func selectDiverse(candidates []store.ChunkMatch, final, maxPerSource int) []store.ChunkMatch {
	if final <= 0 || len(candidates) == 0 {
		return nil
	}

	chosen := make([]store.ChunkMatch, 0, final)
	used := make([]bool, len(candidates))
	perSource := make(map[string]int)

	for len(chosen) < final {
		best := -1
		bestScore := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			count := perSource[c.SourceID.String()]
			if count >= maxPerSource {
				continue
			}
			score := c.Similarity - diversityPenalty*float64(count)
			if best == -1 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		perSource[candidates[best].SourceID.String()]++
		chosen = append(chosen, candidates[best])
	}
	return chosen
}
