package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options configures the orchestrator.
type Options struct {
	// FailFast cancels sibling collections on the first fatal error.
	// When false every collection runs to completion and all errors are joined.
	FailFast bool

	// Progress receives one "<collection> took: <duration>" line per finished
	// collection. Nil discards them.
	Progress io.Writer
}

// Orchestrator runs one pipeline per collection concurrently.
type Orchestrator struct {
	pipeline *Pipeline
	opts     Options
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator around a pipeline. The pipeline is
// shared by all collections; it holds no per-collection state.
func NewOrchestrator(pipeline *Pipeline, opts Options) *Orchestrator {
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	return &Orchestrator{
		pipeline: pipeline,
		opts:     opts,
		logger:   log.With().Str("component", "orchestrator").Logger(),
	}
}

// RunAll harvests every collection and waits for all of them. Reports of
// successful collections are returned in input order even when an error is
// returned.
func (o *Orchestrator) RunAll(ctx context.Context, collections []string) ([]Report, error) {
	var g *errgroup.Group
	gctx := ctx
	if o.opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	o.logger.Info().
		Strs("collections", collections).
		Bool("fail_fast", o.opts.FailFast).
		Msg("Starting harvest")

	reports := make([]*Report, len(collections))
	errs := make([]error, len(collections))

	for i, collection := range collections {
		g.Go(func() error {
			report, err := o.pipeline.Run(gctx, collection)
			if err != nil {
				errs[i] = err
				return err
			}
			reports[i] = report
			o.progress(report)
			return nil
		})
	}

	firstErr := g.Wait()

	out := make([]Report, 0, len(collections))
	for _, r := range reports {
		if r != nil {
			out = append(out, *r)
		}
	}

	if o.opts.FailFast {
		return out, firstErr
	}
	return out, errors.Join(errs...)
}

func (o *Orchestrator) progress(r *Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.opts.Progress, "%s took: %s\n", r.Collection, r.Duration)
}
