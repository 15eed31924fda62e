// Package server exposes the pseudonymization engine over HTTP.
//
// Endpoints:
//
//	POST /anonymize   - {text, language, useReusableTags, model, allowReidentification, entities}
//	POST /reidentify  - {text, sessionId, key}
//	POST /chat        - {text, model}: anonymize, relay upstream, reidentify the reply
//	POST /cost-estimation/open-ai - {prompt, model, max_completion_tokens}: local price estimate
//	GET  /status      - health, uptime, registered detection sources
//	GET  /metrics     - counters snapshot
//
// "model" in /anonymize is the detection source selector: a source name, a
// comma-separated list, or "all".
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pd-anonymizer/internal/config"
	"pd-anonymizer/internal/detect"
	"pd-anonymizer/internal/engine"
	"pd-anonymizer/internal/logger"
	"pd-anonymizer/internal/metrics"
	"pd-anonymizer/internal/relay"
	"pd-anonymizer/internal/vault"
)

// Pipeline is the engine surface the server drives.
type Pipeline interface {
	Anonymize(ctx context.Context, req engine.Request) (engine.Result, error)
	Reidentify(ctx context.Context, text, sessionID, encodedKey string) (string, error)
	Sources() []string
}

// Chatter runs the relay round trip.
type Chatter interface {
	Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	pipe      Pipeline
	chat      Chatter          // nil = /chat disabled
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
}

// New creates a server. chat may be nil when no relay upstream is configured.
func New(cfg *config.Config, pipe Pipeline, chat Chatter, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		pipe:      pipe,
		chat:      chat,
		token:     cfg.APIToken,
		metrics:   m,
		log:       log,
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the API, with HTTP/2 cleartext
// upgrade support.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/anonymize", s.handleAnonymize)
	mux.HandleFunc("/reidentify", s.handleReidentify)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/cost-estimation/open-ai", s.handleCostEstimation)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return h2c.NewHandler(s.authMiddleware(mux), &http2.Server{})
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			if s.metrics != nil {
				s.metrics.AuthFailures.Add(1)
			}
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type anonymizeRequest struct {
	Text                  string   `json:"text"`
	Language              string   `json:"language"`
	UseReusableTags       *bool    `json:"useReusableTags"`
	Model                 string   `json:"model"`
	AllowReidentification *bool    `json:"allowReidentification"`
	Entities              []string `json:"entities"`
}

type reidentifyRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

type reidentifyResponse struct {
	ReidentifiedText string `json:"reidentifiedText"`
}

type costRequest struct {
	Prompt              string `json:"prompt"`
	Model               string `json:"model"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
}

type errorResponse struct {
	Error          string `json:"error"`
	OriginalText   string `json:"originalText,omitempty"`
	AnonymizedText string `json:"anonymizedText,omitempty"`
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, `invalid request: need {"text":"..."}`)
		return
	}
	ereq := engine.Request{
		Text:                  req.Text,
		Language:              req.Language,
		Selector:              req.Model,
		ReusableTags:          boolOr(req.UseReusableTags, s.cfg.ReusableTags),
		AllowReidentification: boolOr(req.AllowReidentification, s.cfg.AllowReidentification),
		Entities:              req.Entities,
	}
	if ereq.Language == "" {
		ereq.Language = s.cfg.Language
	}
	if len(ereq.Entities) == 0 {
		ereq.Entities = s.cfg.Entities
	}

	res, err := s.pipe.Anonymize(r.Context(), ereq)
	if err != nil {
		s.fail(w, "anonymize", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReidentify(w http.ResponseWriter, r *http.Request) {
	var req reidentifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Key == "" {
		s.writeError(w, http.StatusBadRequest, `invalid request: need {"text","sessionId","key"}`)
		return
	}
	out, err := s.pipe.Reidentify(r.Context(), req.Text, req.SessionID, req.Key)
	if err != nil {
		s.fail(w, "reidentify", err)
		return
	}
	s.writeJSON(w, http.StatusOK, reidentifyResponse{ReidentifiedText: out})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.writeError(w, http.StatusServiceUnavailable, "relay upstream not configured")
		return
	}
	var req relay.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, `invalid request: need {"text":"..."}`)
		return
	}
	resp, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		if errors.Is(err, relay.ErrUpstream) || errors.Is(err, relay.ErrNotConfigured) {
			s.log.Errorf("chat", "%v", err)
			s.writeJSON(w, statusFor(err), errorResponse{
				Error:          err.Error(),
				OriginalText:   resp.OriginalText,
				AnonymizedText: resp.AnonymizedText,
			})
			return
		}
		s.fail(w, "chat", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCostEstimation prices a prompt locally; nothing is sent upstream.
func (s *Server) handleCostEstimation(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if !s.decode(w, r, &req) {
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Relay.Model
	}
	est, err := relay.EstimatePrompt(req.Prompt, model, req.MaxCompletionTokens)
	if err != nil {
		s.fail(w, "cost", err)
		return
	}
	s.log.Debugf("cost", "model %s: %d prompt tokens, %.6f USD", model, est.PromptTokenCount, est.Cost)
	s.writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		Sources         []string `json:"sources"`
		DefaultSelector string   `json:"defaultSelector"`
		VaultBackend    string   `json:"vaultBackend"`
		Relay           bool     `json:"relay"`
	}
	s.writeJSON(w, http.StatusOK, response{
		Status:          "running",
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		Sources:         s.pipe.Sources(),
		DefaultSelector: s.cfg.DefaultSelector,
		VaultBackend:    s.cfg.Vault.Backend,
		Relay:           s.chat != nil,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// decode enforces POST and the body limit and parses JSON into v. It writes
// the error response itself and reports whether the handler should go on.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorf(action, "%v", err)
		msg = "internal error"
	}
	s.writeError(w, status, msg)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, detect.ErrConfiguration), errors.Is(err, vault.ErrInvalidSessionID),
		errors.Is(err, relay.ErrUnknownModel), errors.Is(err, relay.ErrInvalidEstimate):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrMissingSession):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrDecryption):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log.Infof("listen", "listening on %s", s.cfg.Listen)
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("shutdown", "draining connections")
		return srv.Shutdown(shutdownCtx)
	}
}
