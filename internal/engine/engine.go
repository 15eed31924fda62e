// Package engine runs the anonymize and reidentify pipelines.
//
//	anonymize:  sources -> Resolve -> Assign -> {Vault.Store, Forward}
//	reidentify: Vault.Load -> Reverse
//
// When reidentification is not requested the resolved-overlap step and the
// vault are skipped and substitution is handed to a Delegated implementation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pd-anonymizer/internal/detect"
	"pd-anonymizer/internal/logger"
	"pd-anonymizer/internal/metrics"
	"pd-anonymizer/internal/pseudonym"
	"pd-anonymizer/internal/substitute"
	"pd-anonymizer/internal/vault"
)

// DefaultLanguage is passed to sources when a request names none.
const DefaultLanguage = "en"

// Request is one anonymization call.
type Request struct {
	Text     string
	Language string
	// Selector picks detection sources: "all", one name, or a comma list.
	// Empty uses the engine default.
	Selector string
	// ReusableTags yields "Person A" style pseudonyms instead of UUIDs.
	ReusableTags bool
	// AllowReidentification stores a session and returns its credentials.
	AllowReidentification bool
	// Entities restricts detection to these types; empty means all.
	Entities []string
}

// Result is the outcome of Anonymize. SessionID and Key are nil when no
// session was created.
type Result struct {
	AnonymizedText string  `json:"anonymizedText"`
	SessionID      *string `json:"sessionId"`
	Key            *string `json:"key"`
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	DefaultSelector string
	Delegate        substitute.Delegated
	Metrics         *metrics.Metrics
	Logger          *logger.Logger
	// KeyGen produces one session key per reversible call. Defaults to
	// vault.GenerateKey.
	KeyGen func() ([]byte, error)
}

// Engine wires the detection registry to the vault.
type Engine struct {
	registry        *detect.Registry
	vault           *vault.Vault
	delegate        substitute.Delegated
	metrics         *metrics.Metrics
	log             *logger.Logger
	keyGen          func() ([]byte, error)
	defaultSelector string
}

// New creates an Engine.
func New(registry *detect.Registry, v *vault.Vault, opts Options) *Engine {
	e := &Engine{
		registry:        registry,
		vault:           v,
		delegate:        opts.Delegate,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		keyGen:          opts.KeyGen,
		defaultSelector: opts.DefaultSelector,
	}
	if e.keyGen == nil {
		e.keyGen = vault.GenerateKey
	}
	if e.delegate == nil {
		e.delegate = substitute.Merger{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	if e.defaultSelector == "" {
		e.defaultSelector = detect.SelectAll
	}
	return e
}

// Metrics returns the counters the engine updates.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Sources lists the registered detection source names.
func (e *Engine) Sources() []string { return e.registry.Names() }

// Anonymize detects entities in req.Text and replaces them with pseudonyms.
// Finding nothing is not an error: the text comes back unchanged with no
// session.
func (e *Engine) Anonymize(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	e.metrics.AnonymizeCalls.Add(1)
	defer func() {
		e.metrics.RecordAnonLatency(time.Since(start))
		if err != nil {
			e.countError(err)
		}
	}()

	selector := req.Selector
	if selector == "" {
		selector = e.defaultSelector
	}
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}

	raw, err := e.registry.Aggregate(ctx, selector, req.Text, language, req.Entities)
	if err != nil {
		e.log.Warnf("detect", "selector %q: %v", selector, err)
		return Result{}, err
	}

	var spans []detect.Span
	if req.AllowReidentification {
		spans = detect.Resolve(req.Text, raw)
	} else {
		spans = detect.Valid(req.Text, raw)
	}
	if len(spans) == 0 {
		e.metrics.ZeroSpanCalls.Add(1)
		e.log.Debugf("anonymize", "no entities found by %q", selector)
		return Result{AnonymizedText: req.Text}, nil
	}
	for _, sp := range spans {
		e.metrics.RecordSpan(sp.EntityType)
	}

	m, instructions, err := pseudonym.Assign(req.Text, spans, req.ReusableTags)
	if err != nil {
		return Result{}, err
	}
	e.metrics.PseudonymsAssigned.Add(int64(m.Len()))

	if !req.AllowReidentification {
		out, err := e.delegate.Apply(ctx, req.Text, instructions)
		if err != nil {
			return Result{}, fmt.Errorf("delegated substitution: %w", err)
		}
		e.metrics.NonReversibleCalls.Add(1)
		e.log.Debugf("anonymize", "replaced %d spans, no session", len(spans))
		return Result{AnonymizedText: out}, nil
	}

	key, err := e.keyGen()
	if err != nil {
		if !errors.Is(err, vault.ErrKeyGeneration) {
			err = fmt.Errorf("%w: %v", vault.ErrKeyGeneration, err)
		}
		e.log.Errorf("anonymize", "no session created: %v", err)
		return Result{}, err
	}
	encoded := vault.EncodeKey(key)

	out, err := substitute.Forward(req.Text, instructions)
	if err != nil {
		clear(key)
		return Result{}, fmt.Errorf("substitute: %w", err)
	}

	sessionID := vault.NewSessionID()
	if err := e.vault.Store(ctx, sessionID, m, key); err != nil {
		return Result{}, err
	}
	e.metrics.SessionsStored.Add(1)
	e.log.Debugf("anonymize", "session %s: %d spans, %d pseudonyms", sessionID, len(spans), m.Len())

	return Result{AnonymizedText: out, SessionID: &sessionID, Key: &encoded}, nil
}

// Reidentify restores the originals of every pseudonym in text that belongs
// to the session. Pseudonyms absent from text are ignored.
func (e *Engine) Reidentify(ctx context.Context, text, sessionID, encodedKey string) (out string, err error) {
	start := time.Now()
	e.metrics.ReidentifyCalls.Add(1)
	defer func() {
		e.metrics.RecordReidLatency(time.Since(start))
		if err != nil {
			e.countError(err)
			e.log.Warnf("reidentify", "session %s: %v", sessionID, err)
		}
	}()

	key, err := vault.DecodeKey(encodedKey)
	if err != nil {
		return "", err
	}
	m, err := e.vault.Load(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	return substitute.Reverse(text, m.Reverse()), nil
}

func (e *Engine) countError(err error) {
	switch {
	case errors.Is(err, detect.ErrConfiguration):
		e.metrics.ErrorsConfiguration.Add(1)
	case errors.Is(err, vault.ErrMissingSession):
		e.metrics.ErrorsMissingSession.Add(1)
	case errors.Is(err, vault.ErrDecryption):
		e.metrics.ErrorsDecryption.Add(1)
	default:
		e.metrics.ErrorsInternal.Add(1)
	}
}
