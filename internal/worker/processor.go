// Package worker runs the polling loops that drain the lease queue: a generic
// processor dispatching jobs to registered handlers, and the parse handler
// that drives content through extraction into matching.
package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/capability"
	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// Queue is the slice of the lease queue the processor needs.
type Queue interface {
	LeaseOne(ctx context.Context, kind string, leaseFor time.Duration) (models.Job, bool, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) (deadLettered bool, err error)
	DeadLetter(ctx context.Context, jobID string, cause error) error
	PendingDepth(ctx context.Context, kind string) (int64, error)
}

// Handler executes one leased job. Returned errors are classified through
// capability.IsRetryable: retryable goes back through queue backoff,
// permanent dead-letters immediately.
type Handler func(ctx context.Context, job models.Job) error

// TerminalHandler runs after retries for a job are exhausted and the queue
// dead-letters it, so the domain row behind the job is not left mid-flight.
type TerminalHandler func(ctx context.Context, job models.Job, cause error)

// Processor drives the worker execution loop over the lease queue.
type Processor struct {
	queue         Queue
	handlers      map[string]Handler
	terminal      map[string]TerminalHandler
	leaseDuration time.Duration
	pollInterval  time.Duration
	log           zerolog.Logger
}

// NewProcessor builds an empty processor; register handlers before Run.
func NewProcessor(q Queue, leaseDuration, pollInterval time.Duration, log zerolog.Logger) *Processor {
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Processor{
		queue:         q,
		handlers:      make(map[string]Handler),
		terminal:      make(map[string]TerminalHandler),
		leaseDuration: leaseDuration,
		pollInterval:  pollInterval,
		log:           log.With().Str("component", "worker").Logger(),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	p.handlers[kind] = h
}

// RegisterTerminalHandler binds a dead-letter callback to a job kind.
func (p *Processor) RegisterTerminalHandler(kind string, h TerminalHandler) {
	if kind == "" || h == nil {
		return
	}
	p.terminal[kind] = h
}

// kinds returns registered job kinds in a stable order.
func (p *Processor) kinds() []string {
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run polls the queue until context cancellation. Shutdown is cooperative:
// the loop stops taking new leases and any lease left in flight expires and
// is reclaimed by another worker.
func (p *Processor) Run(ctx context.Context) error {
	kinds := p.kinds()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked := false
		for _, kind := range kinds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.runOne(ctx, kind) {
				worked = true
			}
		}
		if depth, err := p.queue.PendingDepth(ctx, models.JobKindParse); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// runOne leases and executes at most one job of the given kind. Reports
// whether a job was found.
func (p *Processor) runOne(ctx context.Context, kind string) bool {
	job, ok, err := p.queue.LeaseOne(ctx, kind, p.leaseDuration)
	if err != nil {
		p.log.Error().Err(err).Str("kind", kind).Msg("lease failed")
		return false
	}
	if !ok {
		return false
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = p.execute(ctx, job)
	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			p.log.Error().Err(cerr).Str("job", job.ID).Msg("complete failed")
		}
		return true
	}

	if capability.IsRetryable(err) {
		p.log.Warn().Err(err).Str("job", job.ID).Str("kind", kind).Int("attempts", job.Attempts).Msg("job failed, will retry")
		deadLettered, ferr := p.queue.Fail(ctx, job.ID, err)
		if ferr != nil {
			p.log.Error().Err(ferr).Str("job", job.ID).Msg("fail-with-retry failed")
		}
		if deadLettered {
			p.log.Error().Err(err).Str("job", job.ID).Str("kind", kind).Msg("retries exhausted, job dead-lettered")
			telemetry.JobsDeadLetter.Inc()
			if th, ok := p.terminal[kind]; ok {
				th(ctx, job, err)
			}
		}
		return true
	}

	p.log.Error().Err(err).Str("job", job.ID).Str("kind", kind).Msg("job failed permanently")
	telemetry.JobsDeadLetter.Inc()
	if derr := p.queue.DeadLetter(ctx, job.ID, err); derr != nil {
		p.log.Error().Err(derr).Str("job", job.ID).Msg("dead-letter failed")
	}
	if th, ok := p.terminal[kind]; ok {
		th(ctx, job, err)
	}
	return true
}

// execute runs the handler with panic containment: a panicking job is a
// retryable failure of that job only, never a dead worker loop.
func (p *Processor) execute(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = capability.Retryablef("handler panic: %v", r)
		}
	}()
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return capability.Permanentf("no handler registered for kind %q", job.Kind)
	}
	if err := handler(ctx, job); err != nil {
		return fmt.Errorf("handle %s: %w", job.Kind, err)
	}
	return nil
}
