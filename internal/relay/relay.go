// Package relay sends anonymized prompts to an OpenAI-compatible chat
// completions endpoint and reidentifies the reply.
//
// Flow for one chat call:
//   - anonymize the user text with reidentification enabled
//   - POST the anonymized text upstream as a single user message
//   - reidentify the reply with the session just created
//
// Only anonymized text ever leaves the process. Upstream proxy chaining is
// automatic: the transport respects HTTP_PROXY / HTTPS_PROXY / NO_PROXY.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pd-anonymizer/internal/config"
	"pd-anonymizer/internal/engine"
	"pd-anonymizer/internal/logger"
	"pd-anonymizer/internal/metrics"
)

// ErrUpstream wraps every failure talking to the completion endpoint.
var ErrUpstream = errors.New("upstream")

// ErrNotConfigured is returned when no upstream URL is set.
var ErrNotConfigured = errors.New("relay upstream not configured")

const completionsPath = "/v1/chat/completions"

// maxReplyBytes bounds how much of an upstream response is read.
const maxReplyBytes = 4 << 20

// Client talks to the completion endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// NewClient builds a Client from relay config. An empty URL yields a client
// whose Complete always fails with ErrNotConfigured.
func NewClient(cfg config.RelayConfig) *Client {
	endpoint := strings.TrimRight(cfg.URL, "/")
	if endpoint != "" && !strings.HasSuffix(endpoint, completionsPath) {
		endpoint += completionsPath
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Configured reports whether an upstream URL is set.
func (c *Client) Configured() bool { return c.endpoint != "" }

// CloseIdleConnections releases pooled upstream connections.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends prompt as one user message and returns the first choice.
// model overrides the configured model when non-empty.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(completionRequest{
		Model:    model,
		Messages: []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	var out completionResponse
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrUpstream)
	}
	return out.Choices[0].Message.Content, nil
}

// Pipeline is the anonymize/reidentify surface the relay needs.
type Pipeline interface {
	Anonymize(ctx context.Context, req engine.Request) (engine.Result, error)
	Reidentify(ctx context.Context, text, sessionID, encodedKey string) (string, error)
}

// Completer produces a reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// ChatRequest is one relay call.
type ChatRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// ChatResponse carries every stage of the round trip. On upstream failure
// only OriginalText and AnonymizedText are set.
type ChatResponse struct {
	OriginalText      string `json:"originalText"`
	AnonymizedText    string `json:"anonymizedText"`
	Reply             string `json:"reply,omitempty"`
	ReidentifiedReply string `json:"reidentifiedReply,omitempty"`
}

// Relay runs the anonymize -> complete -> reidentify round trip.
type Relay struct {
	pipe     Pipeline
	upstream Completer
	defaults engine.Request
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// New returns a Relay. defaults supplies language, selector, tag mode and
// entity filter for every call; its text is ignored.
func New(pipe Pipeline, upstream Completer, defaults engine.Request, m *metrics.Metrics, log *logger.Logger) *Relay {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{pipe: pipe, upstream: upstream, defaults: defaults, metrics: m, log: log}
}

// Chat anonymizes req.Text, sends it upstream and reidentifies the reply.
// When the upstream call fails the partial response is returned together
// with an error wrapping ErrUpstream.
func (r *Relay) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	r.metrics.ChatCalls.Add(1)

	areq := r.defaults
	areq.Text = req.Text
	areq.AllowReidentification = true
	anon, err := r.pipe.Anonymize(ctx, areq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("anonymize prompt: %w", err)
	}
	resp := ChatResponse{OriginalText: req.Text, AnonymizedText: anon.AnonymizedText}

	r.log.Debug("chat", "sending anonymized prompt upstream")
	start := time.Now()
	reply, err := r.upstream.Complete(ctx, req.Model, anon.AnonymizedText)
	r.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		r.metrics.ErrorsUpstream.Add(1)
		r.log.Errorf("chat", "upstream call failed: %v", err)
		if !errors.Is(err, ErrUpstream) && !errors.Is(err, ErrNotConfigured) {
			err = fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return resp, err
	}
	resp.Reply = reply

	if anon.SessionID == nil || anon.Key == nil {
		// Nothing was pseudonymized, so the reply holds no pseudonyms of ours.
		resp.ReidentifiedReply = reply
		return resp, nil
	}
	restored, err := r.pipe.Reidentify(ctx, reply, *anon.SessionID, *anon.Key)
	if err != nil {
		return resp, fmt.Errorf("reidentify reply: %w", err)
	}
	resp.ReidentifiedReply = restored
	return resp, nil
}
