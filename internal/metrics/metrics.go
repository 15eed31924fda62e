// Package metrics provides lightweight, lock-minimal counters for the
// pseudonymization service.
//
// Counters use sync/atomic so hot paths (anonymize, reidentify, relay)
// incur no mutex contention. Latency statistics use a single mutex per
// dimension; they are updated at most once per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pd-anonymizer/internal/detect"
)

// otherType collects spans of entity types not listed in knownEntityTypes.
const otherType = "OTHER"

// knownEntityTypes pre-populates the per-type span counters in New() so
// Snapshot() can iterate a fixed set without racing on map writes.
var knownEntityTypes = []string{
	detect.EntityPerson, detect.EntityLocation, detect.EntityOrganization,
	detect.EntityEmail, detect.EntityPhone, detect.EntityDateTime,
	detect.EntityIPAddress, detect.EntityCreditCard, detect.EntitySSN,
	detect.EntityURL, detect.EntityAPIKey, otherType,
}

// Metrics holds all runtime counters for a running service.
// The zero value is NOT valid for the per-type counters; use New().
type Metrics struct {
	// Call counters
	AnonymizeCalls  atomic.Int64
	ReidentifyCalls atomic.Int64
	ChatCalls       atomic.Int64
	AuthFailures    atomic.Int64

	// Error counters by kind
	ErrorsConfiguration  atomic.Int64
	ErrorsMissingSession atomic.Int64
	ErrorsDecryption     atomic.Int64
	ErrorsUpstream       atomic.Int64
	ErrorsInternal       atomic.Int64

	// Pseudonymization volume
	SpansDetected      atomic.Int64 // spans kept after resolution
	PseudonymsAssigned atomic.Int64 // distinct (type, original) keys
	SessionsStored     atomic.Int64
	ZeroSpanCalls      atomic.Int64 // anonymize calls that found nothing
	NonReversibleCalls atomic.Int64 // anonymize calls without a session

	// Maps are written only in New(); concurrent reads are safe without a lock.
	spansByType map[string]*atomic.Int64

	anonMu   sync.Mutex
	anonStat latencyStats

	reidMu   sync.Mutex
	reidStat latencyStats

	upstreamMu   sync.Mutex
	upstreamStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-type span
// counters pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:   time.Now(),
		spansByType: make(map[string]*atomic.Int64, len(knownEntityTypes)),
	}
	for _, t := range knownEntityTypes {
		m.spansByType[t] = new(atomic.Int64)
	}
	return m
}

// RecordSpan counts one resolved span of the given entity type. Types
// outside the known set are counted under OTHER.
func (m *Metrics) RecordSpan(entityType string) {
	m.SpansDetected.Add(1)
	c, ok := m.spansByType[entityType]
	if !ok {
		c, ok = m.spansByType[otherType]
	}
	if ok {
		c.Add(1)
	}
}

// RecordAnonLatency records the duration of one anonymize call.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()
}

// RecordReidLatency records the duration of one reidentify call.
func (m *Metrics) RecordReidLatency(d time.Duration) {
	m.reidMu.Lock()
	m.reidStat.record(float64(d.Microseconds()) / 1000.0)
	m.reidMu.Unlock()
}

// RecordUpstreamLatency records the round-trip time to the upstream LLM.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamMu.Lock()
	m.upstreamStat.record(float64(d.Microseconds()) / 1000.0)
	m.upstreamMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	m.reidMu.Lock()
	reid := m.reidStat.snapshot()
	m.reidMu.Unlock()

	m.upstreamMu.Lock()
	upstream := m.upstreamStat.snapshot()
	m.upstreamMu.Unlock()

	byType := make(map[string]int64, len(m.spansByType))
	for t, c := range m.spansByType {
		if n := c.Load(); n > 0 {
			byType[t] = n
		}
	}

	return Snapshot{
		Calls: CallSnapshot{
			Anonymize:    m.AnonymizeCalls.Load(),
			Reidentify:   m.ReidentifyCalls.Load(),
			Chat:         m.ChatCalls.Load(),
			AuthFailures: m.AuthFailures.Load(),
		},
		Errors: ErrorSnapshot{
			Configuration:  m.ErrorsConfiguration.Load(),
			MissingSession: m.ErrorsMissingSession.Load(),
			Decryption:     m.ErrorsDecryption.Load(),
			Upstream:       m.ErrorsUpstream.Load(),
			Internal:       m.ErrorsInternal.Load(),
		},
		Pseudonyms: PseudonymSnapshot{
			SpansDetected:  m.SpansDetected.Load(),
			SpansByType:    byType,
			Assigned:       m.PseudonymsAssigned.Load(),
			SessionsStored: m.SessionsStored.Load(),
			ZeroSpanCalls:  m.ZeroSpanCalls.Load(),
			NonReversible:  m.NonReversibleCalls.Load(),
		},
		Latency: LatencyGroup{
			AnonymizationMs:    anon,
			ReidentificationMs: reid,
			UpstreamMs:         upstream,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Calls      CallSnapshot      `json:"calls"`
	Errors     ErrorSnapshot     `json:"errors"`
	Pseudonyms PseudonymSnapshot `json:"pseudonyms"`
	Latency    LatencyGroup      `json:"latency"`
	UptimeSecs float64           `json:"uptimeSecs"`
}

// CallSnapshot holds per-operation call counters.
type CallSnapshot struct {
	Anonymize    int64 `json:"anonymize"`
	Reidentify   int64 `json:"reidentify"`
	Chat         int64 `json:"chat"`
	AuthFailures int64 `json:"authFailures"`
}

// ErrorSnapshot holds error counters by kind.
type ErrorSnapshot struct {
	Configuration  int64 `json:"configuration"`
	MissingSession int64 `json:"missingSession"`
	Decryption     int64 `json:"decryption"`
	Upstream       int64 `json:"upstream"`
	Internal       int64 `json:"internal"`
}

// PseudonymSnapshot holds span and session volume.
type PseudonymSnapshot struct {
	SpansDetected int64 `json:"spansDetected"`
	// Only types with non-zero counts appear.
	SpansByType    map[string]int64 `json:"spansByType,omitempty"`
	Assigned       int64            `json:"assigned"`
	SessionsStored int64            `json:"sessionsStored"`
	ZeroSpanCalls  int64            `json:"zeroSpanCalls"`
	NonReversible  int64            `json:"nonReversible"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	AnonymizationMs    LatencySnapshot `json:"anonymizationMs"`
	ReidentificationMs LatencySnapshot `json:"reidentificationMs"`
	UpstreamMs         LatencySnapshot `json:"upstreamMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
