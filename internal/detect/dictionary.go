package detect

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// DictionarySource flags configured terms (a deny list) wherever they occur
// as whole words. Useful for names the statistical sources keep missing.
type DictionarySource struct {
	name  string
	terms map[string]string // term -> entity type
	re    *regexp.Regexp    // nil when there are no terms
}

// NewDictionarySource builds a source from term -> entity type pairs.
// Matching is case-sensitive; longer terms win over their prefixes.
func NewDictionarySource(name string, terms map[string]string) *DictionarySource {
	if name == "" {
		name = "dictionary"
	}
	d := &DictionarySource{name: name, terms: make(map[string]string, len(terms))}
	keys := make([]string, 0, len(terms))
	for term, entityType := range terms {
		if term == "" {
			continue
		}
		d.terms[term] = entityType
		keys = append(keys, term)
	}
	if len(keys) == 0 {
		return d
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	d.re = regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	return d
}

// Name implements Source.
func (d *DictionarySource) Name() string { return d.name }

// Analyze implements Source.
func (d *DictionarySource) Analyze(_ context.Context, text, _ string, entities []string) ([]Span, error) {
	if d.re == nil {
		return nil, nil
	}
	var out []Span
	for _, m := range d.re.FindAllStringIndex(text, -1) {
		entityType := d.terms[text[m[0]:m[1]]]
		if !wants(entities, entityType) {
			continue
		}
		out = append(out, Span{EntityType: entityType, Start: m[0], End: m[1], Confidence: 1.0})
	}
	return out, nil
}
