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

// ollamaAliases maps loose labels a small model tends to return onto the
// canonical entity types.
var ollamaAliases = map[string]string{
	"NAME":    EntityPerson,
	"COMPANY": EntityOrganization,
	"EMAIL":   EntityEmail,
	"PHONE":   EntityPhone,
	"ADDRESS": EntityLocation,
	"DATE":    EntityDateTime,
	"IP":      EntityIPAddress,
	"SSN":     EntitySSN,
}

// OllamaSource asks a local Ollama model for context-dependent entities
// (names, organisations, places) the regex layer cannot see.
type OllamaSource struct {
	name      string
	url       string
	model     string
	threshold float64
	http      *http.Client
}

// NewOllamaSource creates a source for the Ollama server at endpoint.
// Detections below threshold are dropped.
func NewOllamaSource(name, endpoint, model string, threshold float64, timeout time.Duration) *OllamaSource {
	if name == "" {
		name = "ollama"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaSource{
		name:      name,
		url:       strings.TrimRight(endpoint, "/") + "/api/generate",
		model:     model,
		threshold: threshold,
		http:      &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Name implements Source.
func (o *OllamaSource) Name() string { return o.name }

// Analyze implements Source. Each returned value is located in text and
// every occurrence becomes a span.
func (o *OllamaSource) Analyze(ctx context.Context, text, _ string, entities []string) ([]Span, error) {
	detections, err := o.query(ctx, text)
	if err != nil {
		return nil, err
	}

	var spans []Span
	seen := make(map[string]bool)
	for _, d := range detections {
		if d.Original == "" || d.Confidence < o.threshold {
			continue
		}
		entityType := canonicalType(d.Type)
		if !wants(entities, entityType) || seen[entityType+"\x00"+d.Original] {
			continue
		}
		seen[entityType+"\x00"+d.Original] = true
		for from := 0; ; {
			i := strings.Index(text[from:], d.Original)
			if i < 0 {
				break
			}
			start := from + i
			spans = append(spans, Span{
				EntityType: entityType,
				Start:      start,
				End:        start + len(d.Original),
				Confidence: d.Confidence,
			})
			from = start + len(d.Original)
		}
	}
	return spans, nil
}

func canonicalType(t string) string {
	up := strings.ToUpper(strings.TrimSpace(t))
	if alias, ok := ollamaAliases[up]; ok {
		return alias
	}
	return up
}

func (o *OllamaSource) query(ctx context.Context, text string) ([]ollamaDetection, error) {
	prompt := fmt.Sprintf(`Analyze the following text for PII (personally identifiable information).
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found
- "type": one of: PERSON, ORGANIZATION, LOCATION, EMAIL_ADDRESS, PHONE_NUMBER, DATE_TIME
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"PERSON","confidence":0.95}]`,
		text)

	reqBody, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req) // #nosec G107 -- URL from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}

	const maxOllamaResponse = 10 << 20 // 10 MB
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse))
	if err != nil {
		return nil, fmt.Errorf("ollama: read: %w", err)
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("ollama: response parse error: %w", err)
	}

	// The model wraps the array in prose more often than not.
	raw := strings.TrimSpace(ollamaResp.Response)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ollama: no JSON array in response")
	}

	var detections []ollamaDetection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("ollama: detection parse error: %w", err)
	}
	return detections, nil
}
