package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pd-anonymizer/internal/detect"
	"pd-anonymizer/internal/metrics"
	"pd-anonymizer/internal/vault"
)

var people = map[string]string{
	"Alice Smith": detect.EntityPerson,
	"Alice":       detect.EntityPerson,
	"Bob":         detect.EntityPerson,
	"Acme Corp":   detect.EntityOrganization,
	"London":      detect.EntityLocation,
}

func newTestEngine(t *testing.T, store vault.Store, sources ...detect.Source) *Engine {
	t.Helper()
	if len(sources) == 0 {
		sources = []detect.Source{
			detect.NewDictionarySource("dictionary", people),
			detect.NewRegexSource("regex"),
		}
	}
	reg, err := detect.NewRegistry(sources...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if store == nil {
		store = vault.NewMemoryStore()
	}
	v := vault.New(store)
	t.Cleanup(func() { v.Close() }) //nolint:errcheck // test cleanup
	return New(reg, v, Options{Metrics: metrics.New()})
}

func reversible(text string) Request {
	return Request{Text: text, ReusableTags: true, AllowReidentification: true}
}

func TestAnonymize_ConcreteScenario(t *testing.T) {
	e := newTestEngine(t, nil)
	text := "Alice Smith emailed bob@example.com from Acme Corp in London."

	res, err := e.Anonymize(context.Background(), reversible(text))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if want := "Person A emailed Email A from Company A in Location A."; res.AnonymizedText != want {
		t.Errorf("anonymized = %q, want %q", res.AnonymizedText, want)
	}
	if res.SessionID == nil || res.Key == nil {
		t.Fatal("expected session credentials")
	}

	got, err := e.Reidentify(context.Background(), res.AnonymizedText, *res.SessionID, *res.Key)
	if err != nil {
		t.Fatalf("Reidentify: %v", err)
	}
	if got != text {
		t.Errorf("reidentified = %q, want %q", got, text)
	}
}

func TestAnonymize_RepeatedEntitiesCollapse(t *testing.T) {
	e := newTestEngine(t, nil)
	text := "Alice met Bob. Later Bob called Alice, and Alice answered Bob."

	res, err := e.Anonymize(context.Background(), reversible(text))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	want := "Person A met Person B. Later Person B called Person A, and Person A answered Person B."
	if res.AnonymizedText != want {
		t.Errorf("anonymized = %q, want %q", res.AnonymizedText, want)
	}
	if n := e.Metrics().Snapshot().Pseudonyms.Assigned; n != 2 {
		t.Errorf("assigned %d pseudonyms, want 2", n)
	}
}

func TestReidentify_LLMStyleReply(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.Anonymize(context.Background(), reversible("Ask Alice Smith at Acme Corp."))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}

	reply := "Sure. Person A from Company A should reply; Person AB is unrelated."
	got, err := e.Reidentify(context.Background(), reply, *res.SessionID, *res.Key)
	if err != nil {
		t.Fatalf("Reidentify: %v", err)
	}
	if want := "Sure. Alice Smith from Acme Corp should reply; Person AB is unrelated."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAnonymize_ZeroSpans(t *testing.T) {
	e := newTestEngine(t, nil)
	text := "nothing sensitive here"

	res, err := e.Anonymize(context.Background(), reversible(text))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if diff := cmp.Diff(Result{AnonymizedText: text}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	s := e.Metrics().Snapshot()
	if s.Pseudonyms.ZeroSpanCalls != 1 || s.Pseudonyms.SessionsStored != 0 {
		t.Errorf("unexpected counters: %+v", s.Pseudonyms)
	}
}

func TestAnonymize_RandomPseudonymsRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	text := "someone@email.com wrote to someone@email.com"
	req := Request{Text: text, AllowReidentification: true}

	res, err := e.Anonymize(context.Background(), req)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if strings.Contains(res.AnonymizedText, "someone") {
		t.Errorf("original leaked: %q", res.AnonymizedText)
	}
	parts := strings.Split(res.AnonymizedText, " wrote to ")
	if len(parts) != 2 || parts[0] != parts[1] {
		t.Errorf("repeated value should share one pseudonym: %q", res.AnonymizedText)
	}
	got, err := e.Reidentify(context.Background(), res.AnonymizedText, *res.SessionID, *res.Key)
	if err != nil {
		t.Fatalf("Reidentify: %v", err)
	}
	if got != text {
		t.Errorf("round trip = %q, want %q", got, text)
	}
}

func TestAnonymize_NonReversible(t *testing.T) {
	// Two sources disagree on the extent of the name; the delegate merges.
	overlapping := &staticSource{name: "ner", spans: []detect.Span{
		{EntityType: detect.EntityPerson, Start: 0, End: 5, Confidence: 0.7},
	}}
	e := newTestEngine(t, nil, detect.NewDictionarySource("dictionary", people), overlapping)

	req := Request{Text: "Alice Smith is here", ReusableTags: true}
	res, err := e.Anonymize(context.Background(), req)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if res.SessionID != nil || res.Key != nil {
		t.Error("non-reversible call must not return session credentials")
	}
	if want := "Person A is here"; res.AnonymizedText != want {
		t.Errorf("got %q, want %q", res.AnonymizedText, want)
	}
	if n := e.Metrics().Snapshot().Pseudonyms.NonReversible; n != 1 {
		t.Errorf("NonReversible = %d, want 1", n)
	}
}

func TestAnonymize_UnknownSelector(t *testing.T) {
	e := newTestEngine(t, nil)
	req := reversible("Alice")
	req.Selector = "spacy"

	if _, err := e.Anonymize(context.Background(), req); !errors.Is(err, detect.ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
	if n := e.Metrics().Snapshot().Errors.Configuration; n != 1 {
		t.Errorf("configuration errors = %d, want 1", n)
	}
}

func TestAnonymize_SelectorLimitsSources(t *testing.T) {
	e := newTestEngine(t, nil)
	req := reversible("Alice Smith emailed bob@example.com")
	req.Selector = "regex"

	res, err := e.Anonymize(context.Background(), req)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if want := "Alice Smith emailed Email A"; res.AnonymizedText != want {
		t.Errorf("got %q, want %q", res.AnonymizedText, want)
	}
}

func TestAnonymize_EntityFilter(t *testing.T) {
	e := newTestEngine(t, nil)
	req := reversible("Alice Smith emailed bob@example.com")
	req.Entities = []string{detect.EntityPerson}

	res, err := e.Anonymize(context.Background(), req)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if want := "Person A emailed bob@example.com"; res.AnonymizedText != want {
		t.Errorf("got %q, want %q", res.AnonymizedText, want)
	}
}

func TestAnonymize_SourceFailureStoresNothing(t *testing.T) {
	boom := errors.New("sidecar down")
	store := vault.NewMemoryStore()
	e := newTestEngine(t, store,
		detect.NewDictionarySource("dictionary", people),
		&staticSource{name: "ner", err: boom},
	)

	if _, err := e.Anonymize(context.Background(), reversible("Alice")); !errors.Is(err, boom) {
		t.Fatalf("got %v, want source error", err)
	}
	if n := e.Metrics().Snapshot().Pseudonyms.SessionsStored; n != 0 {
		t.Errorf("sessions stored = %d, want 0", n)
	}
}

func TestAnonymize_KeyGenerationFailureStoresNothing(t *testing.T) {
	store := &countingStore{Store: vault.NewMemoryStore()}
	reg, err := detect.NewRegistry(detect.NewDictionarySource("dictionary", people))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v := vault.New(store)
	t.Cleanup(func() { v.Close() }) //nolint:errcheck // test cleanup
	e := New(reg, v, Options{
		Metrics: metrics.New(),
		KeyGen:  func() ([]byte, error) { return nil, errors.New("entropy exhausted") },
	})

	res, err := e.Anonymize(context.Background(), reversible("Alice Smith called"))
	if !errors.Is(err, vault.ErrKeyGeneration) {
		t.Fatalf("got %v, want ErrKeyGeneration", err)
	}
	if res.AnonymizedText != "" || res.SessionID != nil || res.Key != nil {
		t.Errorf("expected empty result, got %+v", res)
	}
	if n := store.puts.Load(); n != 0 {
		t.Errorf("store received %d writes, want 0", n)
	}
	if n := e.Metrics().Snapshot().Pseudonyms.SessionsStored; n != 0 {
		t.Errorf("sessions stored = %d, want 0", n)
	}
}

func TestAnonymize_InvalidUTF8RoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	text := "see http://a.com/\xff\xfez now"

	res, err := e.Anonymize(context.Background(), reversible(text))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if want := "see URL A now"; res.AnonymizedText != want {
		t.Fatalf("anonymized = %q, want %q", res.AnonymizedText, want)
	}
	got, err := e.Reidentify(context.Background(), res.AnonymizedText, *res.SessionID, *res.Key)
	if err != nil {
		t.Fatalf("Reidentify: %v", err)
	}
	if got != text {
		t.Errorf("reidentified = %q, want %q", got, text)
	}
}

func TestReidentify_Failures(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	res, err := e.Anonymize(ctx, reversible("Alice Smith"))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}

	otherKey, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cases := []struct {
		name, session, key string
		want               error
	}{
		{"wrong key", *res.SessionID, vault.EncodeKey(otherKey), vault.ErrDecryption},
		{"malformed key", *res.SessionID, "not-a-key", vault.ErrDecryption},
		{"unknown session", vault.NewSessionID(), *res.Key, vault.ErrMissingSession},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := e.Reidentify(ctx, "Person A", c.session, c.key)
			if !errors.Is(err, c.want) {
				t.Errorf("got %v, want %v", err, c.want)
			}
			if out != "" {
				t.Errorf("failure returned partial output %q", out)
			}
		})
	}

	s := e.Metrics().Snapshot().Errors
	if s.Decryption != 2 || s.MissingSession != 1 {
		t.Errorf("unexpected error counters: %+v", s)
	}
}

func TestReidentify_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	text := "Alice Smith works at Acme Corp."

	store1, err := vault.Open(vault.BackendBolt, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e1 := newTestEngine(t, store1)
	res, err := e1.Anonymize(context.Background(), reversible(text))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := vault.Open(vault.BackendBolt, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e2 := newTestEngine(t, store2)
	got, err := e2.Reidentify(context.Background(), res.AnonymizedText, *res.SessionID, *res.Key)
	if err != nil {
		t.Fatalf("Reidentify: %v", err)
	}
	if got != text {
		t.Errorf("got %q, want %q", got, text)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	r1, err := e.Anonymize(ctx, reversible("Alice wrote"))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	r2, err := e.Anonymize(ctx, reversible("Bob wrote"))
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if *r1.SessionID == *r2.SessionID {
		t.Fatal("session IDs collide")
	}
	// Both map to "Person A" but each session restores its own original.
	got1, _ := e.Reidentify(ctx, "Person A", *r1.SessionID, *r1.Key)
	got2, _ := e.Reidentify(ctx, "Person A", *r2.SessionID, *r2.Key)
	if got1 != "Alice" || got2 != "Bob" {
		t.Errorf("got %q and %q, want Alice and Bob", got1, got2)
	}
	if _, err := e.Reidentify(ctx, "Person A", *r1.SessionID, *r2.Key); !errors.Is(err, vault.ErrDecryption) {
		t.Errorf("cross-session key: got %v, want ErrDecryption", err)
	}
}

type staticSource struct {
	name  string
	spans []detect.Span
	err   error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Analyze(context.Context, string, string, []string) ([]detect.Span, error) {
	return s.spans, s.err
}

// countingStore records writes that reach the underlying store.
type countingStore struct {
	vault.Store
	puts atomic.Int64
}

func (s *countingStore) Put(ctx context.Context, id string, record []byte) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, id, record)
}
