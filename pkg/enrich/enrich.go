// Package enrich adds post-execution evidence to EGRESS events. An
// enricher never produces a verdict and never blocks: it inspects the
// post-context (the call plus its result) and returns evidence, or
// nothing. Enrichers run concurrently over the same post-context; the
// pipeline assembles their outputs under stable top-level keys.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/registry"
)

// DefaultTimeout bounds each enricher. An enricher past its deadline
// contributes nothing.
const DefaultTimeout = 500 * time.Millisecond

// Enricher produces evidence for one concern. Name is the stable
// top-level evidence key (dlp, taint, semantic, effects, usage).
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, call *contracts.ContextV1) (map[string]any, error)
}

// Pipeline runs a fixed enricher set over a post-context.
type Pipeline struct {
	enrichers []Enricher
	timeout   time.Duration
	log       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline assembles a pipeline over explicit enrichers.
func NewPipeline(enrichers []Enricher, opts ...Option) *Pipeline {
	p := &Pipeline{
		enrichers: enrichers,
		timeout:   DefaultTimeout,
		log:       slog.Default().With("component", "enrich"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Default builds the standard five-enricher pipeline.
func Default(reg *registry.Registry, opts ...Option) *Pipeline {
	return NewPipeline([]Enricher{
		NewDLPEnricher(reg, true),
		NewTaintEnricher(),
		NewSemanticEnricher(),
		NewEffectsEnricher(),
		NewUsageEnricher(),
	}, opts...)
}

// Run executes every enricher concurrently against the post-context and
// returns the combined evidence keyed by enricher name. Failures and
// timeouts are logged and skipped; Run itself never fails and never
// touches the verdict.
func (p *Pipeline) Run(ctx context.Context, call *contracts.ContextV1) map[string]any {
	type item struct {
		name     string
		evidence map[string]any
	}
	results := make(chan item, len(p.enrichers))

	var wg sync.WaitGroup
	for _, e := range p.enrichers {
		wg.Add(1)
		go func(e Enricher) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("enricher panicked", "enricher", e.Name(), "panic", fmt.Sprint(r))
				}
			}()
			ectx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			ev, err := e.Enrich(ectx, call)
			if err != nil {
				p.log.Warn("enricher failed", "enricher", e.Name(), "error", err)
				return
			}
			if len(ev) > 0 {
				results <- item{name: e.Name(), evidence: ev}
			}
		}(e)
	}
	wg.Wait()
	close(results)

	out := map[string]any{}
	for it := range results {
		out[it.name] = it.evidence
	}
	return out
}
