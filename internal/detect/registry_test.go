package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixedSource returns the same spans for every call.
type fixedSource struct {
	name  string
	spans []Span
	err   error
	delay time.Duration
}

func (f *fixedSource) Name() string { return f.name }

func (f *fixedSource) Analyze(ctx context.Context, _, _ string, _ []string) ([]Span, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Span, len(f.spans))
	copy(out, f.spans)
	return out, nil
}

func newTestRegistry(t *testing.T, sources ...Source) *Registry {
	t.Helper()
	r, err := NewRegistry(sources...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistry_SelectAllPreservesOrder(t *testing.T) {
	r := newTestRegistry(t, &fixedSource{name: "b"}, &fixedSource{name: "a"}, &fixedSource{name: "c"})

	for _, sel := range []string{"", "all", "ALL", "  all "} {
		got, err := r.Select(sel)
		if err != nil {
			t.Fatalf("Select(%q): %v", sel, err)
		}
		var names []string
		for _, s := range got {
			names = append(names, s.Name())
		}
		if diff := cmp.Diff([]string{"b", "a", "c"}, names); diff != "" {
			t.Errorf("Select(%q) order mismatch (-want +got):\n%s", sel, diff)
		}
	}
}

func TestRegistry_SelectSubset(t *testing.T) {
	r := newTestRegistry(t, &fixedSource{name: "regex"}, &fixedSource{name: "ner"}, &fixedSource{name: "ollama"})

	got, err := r.Select("ollama, regex,ollama")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 || got[0].Name() != "ollama" || got[1].Name() != "regex" {
		t.Errorf("unexpected selection: %v", got)
	}
}

func TestRegistry_SelectUnknown(t *testing.T) {
	r := newTestRegistry(t, &fixedSource{name: "regex"})

	for _, sel := range []string{"spacy", "regex,spacy", "regex,,"} {
		if _, err := r.Select(sel); !errors.Is(err, ErrConfiguration) {
			t.Errorf("Select(%q): got %v, want ErrConfiguration", sel, err)
		}
	}
}

func TestRegistry_EmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Select("all"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestRegistry_RejectsBadNames(t *testing.T) {
	cases := [][]Source{
		{&fixedSource{name: ""}},
		{&fixedSource{name: "all"}},
		{&fixedSource{name: "a,b"}},
		{&fixedSource{name: "x"}, &fixedSource{name: "x"}},
	}
	for _, c := range cases {
		if _, err := NewRegistry(c...); !errors.Is(err, ErrConfiguration) {
			t.Errorf("NewRegistry(%v): got %v, want ErrConfiguration", c, err)
		}
	}
}

func TestAggregate_ConcatenatesInSelectionOrder(t *testing.T) {
	// The slow source is selected first; its spans must still come first.
	slow := &fixedSource{name: "slow", delay: 20 * time.Millisecond, spans: []Span{
		{EntityType: EntityPerson, Start: 10, End: 15, Confidence: 0.9},
		{EntityType: EntityPerson, Start: 0, End: 5, Confidence: 0.9},
	}}
	fast := &fixedSource{name: "fast", spans: []Span{
		{EntityType: EntityPerson, Start: 0, End: 5, Confidence: 0.5},
	}}
	r := newTestRegistry(t, fast, slow)

	got, err := r.Aggregate(context.Background(), "slow,fast", "Alice and Alice", "en", nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := []Span{
		{EntityType: EntityPerson, Start: 10, End: 15, Confidence: 0.9, Source: "slow"},
		{EntityType: EntityPerson, Start: 0, End: 5, Confidence: 0.9, Source: "slow"},
		{EntityType: EntityPerson, Start: 0, End: 5, Confidence: 0.5, Source: "fast"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_DoesNotMutateSourceSpans(t *testing.T) {
	spans := []Span{{EntityType: EntityPerson, Start: 0, End: 1}}
	src := &sliceSource{spans: spans}
	if _, err := Aggregate(context.Background(), []Source{src}, "A", "en", nil); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if spans[0].Source != "" {
		t.Errorf("source slice was mutated: %+v", spans[0])
	}
}

// sliceSource hands out its backing slice directly.
type sliceSource struct{ spans []Span }

func (s *sliceSource) Name() string { return "slice" }
func (s *sliceSource) Analyze(context.Context, string, string, []string) ([]Span, error) {
	return s.spans, nil
}

func TestAggregate_SourceErrorAborts(t *testing.T) {
	boom := errors.New("model crashed")
	r := newTestRegistry(t,
		&fixedSource{name: "bad", err: boom},
		&fixedSource{name: "slow", delay: time.Second},
	)

	start := time.Now()
	_, err := r.Aggregate(context.Background(), "all", "text", "en", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped model error", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("failing source did not cancel the slow one")
	}
}

func TestAggregate_UnknownSelectorRunsNothing(t *testing.T) {
	called := &countingSource{}
	r := newTestRegistry(t, called)

	if _, err := r.Aggregate(context.Background(), "counting,nope", "x", "en", nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
	if called.n != 0 {
		t.Errorf("source ran %d times before configuration error", called.n)
	}
}

type countingSource struct{ n int }

func (c *countingSource) Name() string { return "counting" }
func (c *countingSource) Analyze(context.Context, string, string, []string) ([]Span, error) {
	c.n++
	return nil, nil
}
