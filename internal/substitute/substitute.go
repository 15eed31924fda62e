// Package substitute rewrites text in both directions: originals to
// pseudonyms at resolved spans, and pseudonyms back to originals by matching.
package substitute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"pd-anonymizer/internal/pseudonym"
)

// ErrOverlap is returned by Forward when two instructions share bytes.
var ErrOverlap = errors.New("overlapping spans")

// ErrBounds is returned for instructions outside the text.
var ErrBounds = errors.New("span out of bounds")

// sortedCopy orders instructions by start, longer first on ties.
func sortedCopy(instructions []pseudonym.Instruction) []pseudonym.Instruction {
	out := make([]pseudonym.Instruction, len(instructions))
	copy(out, instructions)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Span, out[j].Span
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End > b.End
	})
	return out
}

func checkBounds(text string, in pseudonym.Instruction) error {
	sp := in.Span
	if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
		return fmt.Errorf("%w: [%d,%d) in text of length %d", ErrBounds, sp.Start, sp.End, len(text))
	}
	return nil
}

// Forward replaces every instruction's span with its pseudonym. Text outside
// the spans is copied unchanged. Instructions may arrive in any order but
// must not overlap.
func Forward(text string, instructions []pseudonym.Instruction) (string, error) {
	if len(instructions) == 0 {
		return text, nil
	}
	sorted := sortedCopy(instructions)

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, in := range sorted {
		if err := checkBounds(text, in); err != nil {
			return "", err
		}
		if in.Span.Start < pos {
			return "", fmt.Errorf("%w: [%d,%d) starts before %d", ErrOverlap, in.Span.Start, in.Span.End, pos)
		}
		b.WriteString(text[pos:in.Span.Start])
		b.WriteString(in.Pseudonym)
		pos = in.Span.End
	}
	b.WriteString(text[pos:])
	return b.String(), nil
}

// Delegated performs substitution when the result will never be reversed.
type Delegated interface {
	Apply(ctx context.Context, text string, instructions []pseudonym.Instruction) (string, error)
}

// Merger is the built-in Delegated implementation. It tolerates overlaps:
// an outer span swallows anything it contains, a crossing span extends the
// earlier one to cover the union, and directly adjacent spans with the same
// pseudonym collapse into one.
type Merger struct{}

// Apply implements Delegated.
func (Merger) Apply(ctx context.Context, text string, instructions []pseudonym.Instruction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var kept []pseudonym.Instruction
	for _, in := range sortedCopy(instructions) {
		if err := checkBounds(text, in); err != nil {
			return "", err
		}
		if n := len(kept); n > 0 {
			last := &kept[n-1]
			if in.Span.Start < last.Span.End {
				last.Span.End = max(last.Span.End, in.Span.End)
				continue
			}
			if in.Span.Start == last.Span.End && in.Pseudonym == last.Pseudonym {
				last.Span.End = in.Span.End
				continue
			}
		}
		kept = append(kept, in)
	}
	return Forward(text, kept)
}

// Reverse replaces each whole-token occurrence of a pseudonym in text with
// its original. Matching is a single left-to-right pass; where pseudonyms
// share a prefix the longest one that sits on token boundaries wins.
// Substituted output is never rescanned.
func Reverse(text string, pairs map[string]string) string {
	byFirst := indexPseudonyms(pairs)
	if len(byFirst) == 0 {
		return text
	}

	var b strings.Builder
	pos, copied := 0, 0
	for pos < len(text) {
		if k := matchAt(text, pos, byFirst[text[pos]]); k != "" {
			b.WriteString(text[copied:pos])
			b.WriteString(pairs[k])
			pos += len(k)
			copied = pos
			continue
		}
		_, size := utf8.DecodeRuneInString(text[pos:])
		pos += size
	}
	if copied == 0 {
		return text
	}
	b.WriteString(text[copied:])
	return b.String()
}

// indexPseudonyms groups the non-empty pseudonyms by first byte, longest
// first within each group.
func indexPseudonyms(pairs map[string]string) map[byte][]string {
	byFirst := make(map[byte][]string)
	for k := range pairs {
		if k != "" {
			byFirst[k[0]] = append(byFirst[k[0]], k)
		}
	}
	for _, keys := range byFirst {
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) > len(keys[j])
			}
			return keys[i] < keys[j]
		})
	}
	return byFirst
}

func matchAt(text string, pos int, candidates []string) string {
	for _, k := range candidates {
		if strings.HasPrefix(text[pos:], k) && onBoundaries(text, pos, pos+len(k)) {
			return k
		}
	}
	return ""
}

// onBoundaries reports whether text[start:end] is not glued to a word
// character on either side. Ends that are not word characters themselves
// need no boundary.
func onBoundaries(text string, start, end int) bool {
	first, _ := utf8.DecodeRuneInString(text[start:end])
	if isWord(first) && start > 0 {
		if prev, _ := utf8.DecodeLastRuneInString(text[:start]); isWord(prev) {
			return false
		}
	}
	last, _ := utf8.DecodeLastRuneInString(text[start:end])
	if isWord(last) && end < len(text) {
		if next, _ := utf8.DecodeRuneInString(text[end:]); isWord(next) {
			return false
		}
	}
	return true
}

// isWord matches the Unicode word class: letters, numbers and underscore.
func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}
