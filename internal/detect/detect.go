// Package detect merges entity spans reported by detection sources.
//
// A Source analyses a text and returns spans tagged with an entity type.
// Sources are registered in an explicit Registry value that callers build
// from configuration; there is no process-wide registry. Aggregate runs the
// selected sources and concatenates their spans in selection order, each
// source's own order preserved. Resolve is a separate step that removes
// overlaps before pseudonyms are assigned.
package detect

import (
	"context"
	"errors"
)

// ErrConfiguration reports an unknown or invalid detection source selector.
var ErrConfiguration = errors.New("detection source configuration")

// Entity types produced by the built-in sources.
const (
	EntityPerson       = "PERSON"
	EntityLocation     = "LOCATION"
	EntityOrganization = "ORGANIZATION"
	EntityEmail        = "EMAIL_ADDRESS"
	EntityPhone        = "PHONE_NUMBER"
	EntityDateTime     = "DATE_TIME"
	EntityIPAddress    = "IP_ADDRESS"
	EntityCreditCard   = "CREDIT_CARD"
	EntitySSN          = "US_SSN"
	EntityURL          = "URL"
	EntityAPIKey       = "API_KEY"
)

// Span is a detected region of text. Start and End are byte offsets into
// the analysed text, End exclusive.
type Span struct {
	EntityType string  `json:"entityType"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`

	// Source is the registry name of the source that produced the span.
	// Filled in by Aggregate.
	Source string `json:"source,omitempty"`
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Source detects entity spans in text.
// Implementations must be safe for concurrent use.
type Source interface {
	// Name is the key the source is registered and selected under.
	Name() string

	// Analyze returns spans for the requested entity types. An empty
	// entities slice means every type the source supports.
	Analyze(ctx context.Context, text, language string, entities []string) ([]Span, error)
}

// wants reports whether entityType was requested.
func wants(entities []string, entityType string) bool {
	if len(entities) == 0 {
		return true
	}
	for _, e := range entities {
		if e == entityType {
			return true
		}
	}
	return false
}
