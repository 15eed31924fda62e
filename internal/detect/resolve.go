package detect

import (
	"sort"
	"unicode/utf8"
)

// Resolve turns an aggregated span list into a non-overlapping one sorted by
// start offset.
//
// Spans with offsets outside text, empty spans, and spans that cut a UTF-8
// sequence are dropped. When spans overlap, the higher confidence wins, then
// the longer span, then the one that came first in the aggregated order.
// Exact duplicates therefore collapse to their first occurrence.
func Resolve(text string, spans []Span) []Span {
	type ranked struct {
		Span
		idx int
	}
	cand := make([]ranked, 0, len(spans))
	for i, sp := range spans {
		if !validOffsets(text, sp) {
			continue
		}
		cand = append(cand, ranked{Span: sp, idx: i})
	}
	sort.SliceStable(cand, func(i, j int) bool {
		a, b := cand[i], cand[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.idx < b.idx
	})

	// accepted stays sorted by Start and non-overlapping.
	accepted := make([]Span, 0, len(cand))
	for _, c := range cand {
		p := sort.Search(len(accepted), func(i int) bool { return accepted[i].Start >= c.Start })
		if p > 0 && accepted[p-1].End > c.Start {
			continue
		}
		if p < len(accepted) && accepted[p].Start < c.End {
			continue
		}
		accepted = append(accepted, Span{})
		copy(accepted[p+1:], accepted[p:])
		accepted[p] = c.Span
	}
	return accepted
}

func validOffsets(text string, sp Span) bool {
	if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
		return false
	}
	if sp.Start < len(text) && !utf8.RuneStart(text[sp.Start]) {
		return false
	}
	if sp.End < len(text) && !utf8.RuneStart(text[sp.End]) {
		return false
	}
	return true
}

// Valid returns the spans whose offsets are usable against text, in their
// original order. Overlaps are kept.
func Valid(text string, spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if validOffsets(text, sp) {
			out = append(out, sp)
		}
	}
	return out
}
