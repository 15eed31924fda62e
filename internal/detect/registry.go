package detect

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SelectAll selects every registered source in registration order.
const SelectAll = "all"

// Registry is an ordered set of named detection sources.
// It is built once from configuration and treated as read-only afterwards.
type Registry struct {
	names   []string
	sources map[string]Source
}

// NewRegistry returns a registry holding the given sources in order.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a source. Names must be unique, non-empty and must not
// collide with the "all" selector.
func (r *Registry) Register(s Source) error {
	name := s.Name()
	switch {
	case name == "":
		return fmt.Errorf("%w: source with empty name", ErrConfiguration)
	case strings.EqualFold(name, SelectAll), strings.Contains(name, ","):
		return fmt.Errorf("%w: reserved source name %q", ErrConfiguration, name)
	}
	if _, dup := r.sources[name]; dup {
		return fmt.Errorf("%w: duplicate source %q", ErrConfiguration, name)
	}
	r.names = append(r.names, name)
	r.sources[name] = s
	return nil
}

// Names returns the registered source names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Select resolves a selector into sources. The selector is a single source
// name, a comma-separated subset, or "all" (the empty selector means "all").
// Names repeated in the selector are consulted once.
func (r *Registry) Select(selector string) ([]Source, error) {
	if len(r.names) == 0 {
		return nil, fmt.Errorf("%w: no detection sources registered", ErrConfiguration)
	}
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.EqualFold(selector, SelectAll) {
		out := make([]Source, 0, len(r.names))
		for _, n := range r.names {
			out = append(out, r.sources[n])
		}
		return out, nil
	}

	var out []Source
	seen := make(map[string]bool)
	for _, part := range strings.Split(selector, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			return nil, fmt.Errorf("%w: empty name in selector %q", ErrConfiguration, selector)
		}
		src, ok := r.sources[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown detection source %q", ErrConfiguration, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, src)
	}
	return out, nil
}

// Aggregate selects sources by selector and runs them over text with the
// package-level Aggregate.
func (r *Registry) Aggregate(ctx context.Context, selector, text, language string, entities []string) ([]Span, error) {
	sources, err := r.Select(selector)
	if err != nil {
		return nil, err
	}
	return Aggregate(ctx, sources, text, language, entities)
}

// Aggregate invokes every source and concatenates their spans in source
// order. Sources run concurrently; the first failure cancels the rest and is
// returned. No deduplication or overlap handling happens here.
func Aggregate(ctx context.Context, sources []Source, text, language string, entities []string) ([]Span, error) {
	results := make([][]Span, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			spans, err := src.Analyze(gctx, text, language, entities)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			tagged := make([]Span, len(spans))
			for j, sp := range spans {
				sp.Source = src.Name()
				tagged[j] = sp
			}
			results[i] = tagged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var n int
	for _, r := range results {
		n += len(r)
	}
	all := make([]Span, 0, n)
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}
