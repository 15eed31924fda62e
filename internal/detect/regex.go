package detect

import (
	"context"
	"regexp"
	"sort"
)

// pattern pairs a compiled regex with its entity type. When the expression
// has a capture group, group 1 is the sensitive part of the match.
type pattern struct {
	re         *regexp.Regexp
	entityType string
	confidence float64
}

// RegexSource detects structured identifiers (emails, phone numbers, card
// numbers...) with regular expressions.
type RegexSource struct {
	name     string
	patterns []pattern
}

// NewRegexSource compiles the built-in patterns.
func NewRegexSource(name string) *RegexSource {
	if name == "" {
		name = "regex"
	}
	specs := []struct {
		expr       string
		entityType string
		confidence float64
	}{
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, EntityEmail, 0.95},
		{`\bhttps?://[^\s<>"']+[^\s<>"'.,;:!?)\]]`, EntityURL, 0.9},
		{`\b(?:\d{4}[\-\s]?){3}\d{4}\b`, EntityCreditCard, 0.85},
		{`\b\d{3}-\d{2}-\d{4}\b`, EntitySSN, 0.85},
		{`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, EntityIPAddress, 0.8},
		{`(?:\+\d{1,2}[\-.\s]?)?\(?\b\d{3}\)?[\-.\s]?\d{3}[\-.\s]?\d{4}\b`, EntityPhone, 0.65},
		{`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, EntityAPIKey, 0.9},
		{`(?i)\b\d+\s+[A-Za-z]+(?:\s[A-Za-z]+)*\s(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, EntityLocation, 0.6},
	}
	s := &RegexSource{name: name}
	for _, sp := range specs {
		s.patterns = append(s.patterns, pattern{
			re:         regexp.MustCompile(sp.expr),
			entityType: sp.entityType,
			confidence: sp.confidence,
		})
	}
	return s
}

// Name implements Source.
func (s *RegexSource) Name() string { return s.name }

// Analyze implements Source. Spans are returned sorted by start offset.
func (s *RegexSource) Analyze(ctx context.Context, text, _ string, entities []string) ([]Span, error) {
	var out []Span
	for _, p := range s.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !wants(entities, p.entityType) {
			continue
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			out = append(out, Span{
				EntityType: p.entityType,
				Start:      start,
				End:        end,
				Confidence: p.confidence,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}
