package kstage

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/birdayz/kflow/kdoc"
)

type mergeTopK struct{}

func newMergeTopK(Params) (Reducer, error) {
	return mergeTopK{}, nil
}

func (mergeTopK) Merge(partials []PartialResult, k int) (MergedResult, error) {
	return MergeTopK(partials, k)
}

// MergeTopK merges shard results per query unit: the candidates of all
// partials in shard order, deduplicated by match ID keeping the best score,
// sorted by descending score with ties kept in shard order, truncated to k.
// k <= 0 keeps every candidate.
//
// All partials must answer the same queries: same document count and the
// same query units per document.
func MergeTopK(partials []PartialResult, k int) (MergedResult, error) {
	if len(partials) == 0 {
		return MergedResult{}, nil
	}
	ordered := slices.Clone(partials)
	slices.SortStableFunc(ordered, func(a, b PartialResult) int {
		return cmp.Compare(a.Shard, b.Shard)
	})

	base := ordered[0]
	if err := checkShape(base, ordered[1:]); err != nil {
		return MergedResult{}, err
	}

	out := kdoc.CloneAll(base.Docs)
	for i, d := range out {
		units := kdoc.QueryUnits(d)
		for u := range units {
			var candidates []kdoc.Match
			for _, p := range ordered {
				candidates = append(candidates, kdoc.QueryUnits(p.Docs[i])[u].Matches()...)
			}
			units[u].SetMatches(topK(candidates, k))
		}
	}
	return MergedResult{Docs: out}, nil
}

func checkShape(base PartialResult, rest []PartialResult) error {
	for _, d := range base.Docs {
		if d == nil {
			return &ReductionError{Shard: base.Shard, Reason: "nil document"}
		}
	}
	for _, p := range rest {
		if len(p.Docs) != len(base.Docs) {
			return &ReductionError{
				Shard:  p.Shard,
				Reason: fmt.Sprintf("%d documents, shard %d has %d", len(p.Docs), base.Shard, len(base.Docs)),
			}
		}
		for i, d := range p.Docs {
			if d == nil {
				return &ReductionError{Shard: p.Shard, Reason: "nil document"}
			}
			want, got := kdoc.QueryUnits(base.Docs[i]), kdoc.QueryUnits(d)
			if len(want) != len(got) {
				return &ReductionError{
					Shard:  p.Shard,
					Reason: fmt.Sprintf("document %d has %d query units, expected %d", i, len(got), len(want)),
				}
			}
			for u := range want {
				if want[u].ID != got[u].ID {
					return &ReductionError{
						Shard:  p.Shard,
						Reason: fmt.Sprintf("document %d unit %d is %d, expected %d", i, u, got[u].ID, want[u].ID),
					}
				}
			}
		}
	}
	return nil
}

func topK(candidates []kdoc.Match, k int) []kdoc.Match {
	out := make([]kdoc.Match, 0, len(candidates))
	seen := make(map[uint64]int, len(candidates))
	for _, m := range candidates {
		if i, ok := seen[m.ID]; ok {
			if m.Score > out[i].Score {
				out[i] = m
			}
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b kdoc.Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
