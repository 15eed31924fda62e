// Package pseudonym assigns replacement labels to detected entities.
//
// The dedup key is the entity type plus the exact original substring, not
// the span position: every occurrence of "Alice" tagged PERSON in one call
// gets the same pseudonym.
package pseudonym

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pd-anonymizer/internal/detect"
)

// ErrPseudonymLookup signals a span without a resolvable pseudonym. It is an
// internal invariant violation and is never skipped silently.
var ErrPseudonymLookup = errors.New("pseudonym lookup")

// labels maps entity types to the display name used in reusable tags.
var labels = map[string]string{
	detect.EntityPerson:       "Person",
	detect.EntityLocation:     "Location",
	detect.EntityEmail:        "Email",
	detect.EntityPhone:        "Phone",
	detect.EntityOrganization: "Company",
	detect.EntityDateTime:     "Date",
	detect.EntityIPAddress:    "IP",
	detect.EntityCreditCard:   "Card",
	detect.EntitySSN:          "SSN",
	detect.EntityURL:          "URL",
	detect.EntityAPIKey:       "Secret",
}

// Label returns the display name for an entity type, or the type itself
// when it has none.
func Label(entityType string) string {
	if l, ok := labels[entityType]; ok {
		return l
	}
	return entityType
}

// Letters returns the n-th label in the sequence A..Z, AA..AZ, BA.. (n >= 1).
func Letters(n int) string {
	if n < 1 {
		panic(fmt.Sprintf("pseudonym: Letters(%d): n must be positive", n))
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// Key identifies one distinct original value.
type Key struct {
	EntityType string
	Original   string
}

// Entry is one Key with its pseudonym.
type Entry struct {
	Key
	Pseudonym string
}

// Map is an insertion-ordered Key -> pseudonym mapping.
type Map struct {
	index   map[Key]int
	entries []Entry
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{index: make(map[Key]int)}
}

// Put records k -> pseudonym. Re-putting an existing key keeps its position
// and replaces the pseudonym.
func (m *Map) Put(k Key, pseudonym string) {
	if i, ok := m.index[k]; ok {
		m.entries[i].Pseudonym = pseudonym
		return
	}
	m.index[k] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: k, Pseudonym: pseudonym})
}

// Get returns the pseudonym for k.
func (m *Map) Get(k Key) (string, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.index[k]
	if !ok {
		return "", false
	}
	return m.entries[i].Pseudonym, true
}

// Lookup is Get that fails with ErrPseudonymLookup.
func (m *Map) Lookup(k Key) (string, error) {
	p, ok := m.Get(k)
	if !ok {
		return "", fmt.Errorf("%w: no pseudonym for %s value", ErrPseudonymLookup, k.EntityType)
	}
	return p, nil
}

// Len returns the number of distinct keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the entries in first-seen order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Reverse returns pseudonym -> original. When two keys share a pseudonym
// (only possible for maps built by hand) the first one wins.
func (m *Map) Reverse() map[string]string {
	out := make(map[string]string, m.Len())
	for _, e := range m.Entries() {
		if _, dup := out[e.Pseudonym]; !dup {
			out[e.Pseudonym] = e.Original
		}
	}
	return out
}

// Instruction pairs a span with the pseudonym that replaces it.
type Instruction struct {
	Span      detect.Span
	Pseudonym string
}

// Generator produces pseudonyms for first occurrences.
type Generator interface {
	Next(entityType string) string
}

// tagGenerator yields "<Label> <Letters>" with one counter per entity type.
type tagGenerator struct {
	counters map[string]int
}

func (g *tagGenerator) Next(entityType string) string {
	g.counters[entityType]++
	return Label(entityType) + " " + Letters(g.counters[entityType])
}

// randomGenerator yields random UUIDs unrelated to the original value.
type randomGenerator struct{}

func (randomGenerator) Next(string) string { return uuid.NewString() }

// NewGenerator returns the reusable-tag generator or the random one.
func NewGenerator(reusable bool) Generator {
	if reusable {
		return &tagGenerator{counters: make(map[string]int)}
	}
	return randomGenerator{}
}

// Assign walks spans in order and returns the pseudonym map together with
// one instruction per span. An empty span list yields (nil, nil, nil).
func Assign(text string, spans []detect.Span, reusable bool) (*Map, []Instruction, error) {
	return AssignWith(text, spans, NewGenerator(reusable))
}

// AssignWith is Assign with a caller-supplied generator.
func AssignWith(text string, spans []detect.Span, gen Generator) (*Map, []Instruction, error) {
	if len(spans) == 0 {
		return nil, nil, nil
	}

	m := NewMap()
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start > sp.End {
			return nil, nil, fmt.Errorf("%w: span [%d,%d) outside text of length %d",
				ErrPseudonymLookup, sp.Start, sp.End, len(text))
		}
		k := Key{EntityType: sp.EntityType, Original: text[sp.Start:sp.End]}
		if _, ok := m.Get(k); !ok {
			m.Put(k, gen.Next(sp.EntityType))
		}
	}

	instructions, err := Instructions(text, spans, m)
	if err != nil {
		return nil, nil, err
	}
	return m, instructions, nil
}

// Instructions resolves every span against m.
func Instructions(text string, spans []detect.Span, m *Map) ([]Instruction, error) {
	out := make([]Instruction, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start > sp.End {
			return nil, fmt.Errorf("%w: span [%d,%d) outside text of length %d",
				ErrPseudonymLookup, sp.Start, sp.End, len(text))
		}
		p, err := m.Lookup(Key{EntityType: sp.EntityType, Original: text[sp.Start:sp.End]})
		if err != nil {
			return nil, err
		}
		out = append(out, Instruction{Span: sp, Pseudonym: p})
	}
	return out, nil
}
