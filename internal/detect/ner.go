package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultNERScore is used when the sidecar reports no score. spaCy-style
// pipelines do not expose per-entity confidence.
const defaultNERScore = 0.85

// nerLabels maps model labels (spaCy, BERT-NER, deidentifier models) onto
// canonical entity types. Labels not listed are ignored.
var nerLabels = map[string]string{
	"PER":           EntityPerson,
	"PERSON":        EntityPerson,
	"LOC":           EntityLocation,
	"GPE":           EntityLocation,
	"LOCATION":      EntityLocation,
	"ORG":           EntityOrganization,
	"ORGANIZATION":  EntityOrganization,
	"EMAIL":         EntityEmail,
	"EMAIL_ADDRESS": EntityEmail,
	"PHONE":         EntityPhone,
	"PHONE_NUMBER":  EntityPhone,
	"DATE":          EntityDateTime,
	"DATE_TIME":     EntityDateTime,
}

// NERSource calls a named-entity-recognition sidecar over HTTP.
//
// Wire format:
//
//	POST {baseURL}/classify  {"text": "...", "language": "en"}
//	200 {"spans": [{"start": 0, "end": 5, "label": "PER", "score": 0.99}]}
//
// Offsets are byte offsets into the submitted text.
type NERSource struct {
	name string
	url  string
	http *http.Client
}

// NewNERSource creates a source pointing at the sidecar base URL
// (e.g. "http://ner:8001").
func NewNERSource(name, baseURL string, timeout time.Duration) *NERSource {
	if name == "" {
		name = "ner"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NERSource{
		name: name,
		url:  strings.TrimRight(baseURL, "/") + "/classify",
		http: &http.Client{Timeout: timeout},
	}
}

type nerRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type nerResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

// Name implements Source.
func (c *NERSource) Name() string { return c.name }

// Analyze implements Source. An unreachable sidecar is an error: skipping
// the layer silently would leave its entities in clear text.
func (c *NERSource) Analyze(ctx context.Context, text, language string, entities []string) ([]Span, error) {
	body, err := json.Marshal(nerRequest{Text: text, Language: language})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G107 -- URL from trusted config
	if err != nil {
		return nil, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ner: unexpected status %d", resp.StatusCode)
	}

	const maxNERResponse = 10 << 20
	var result nerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxNERResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	spans := make([]Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		entityType, ok := nerLabels[strings.ToUpper(s.Label)]
		if !ok || !wants(entities, entityType) {
			continue
		}
		score := defaultNERScore
		if s.Score != nil {
			score = *s.Score
		}
		spans = append(spans, Span{EntityType: entityType, Start: s.Start, End: s.End, Confidence: score})
	}
	return spans, nil
}
