package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guardianhq/guardian/internal/idgen"
	"github.com/guardianhq/guardian/internal/logging"
	"github.com/guardianhq/guardian/internal/metrics"
	"github.com/guardianhq/guardian/internal/probes"
	"github.com/guardianhq/guardian/internal/traces"
)

// Orchestrator fans a scan out across the probe set and folds the results
// into a trust score.
//
// Termination is structural: every probe runs under its own timeout, the
// session runs under a hard deadline, and the result channel is buffered to
// the probe count so producers can never block after the collector stops
// listening. A scan always produces a final event.
type Orchestrator struct {
	registry        *probes.Registry
	store           Store
	probeTimeout    time.Duration
	sessionDeadline time.Duration
	logger          *slog.Logger
}

// NewOrchestrator creates a scan orchestrator.
func NewOrchestrator(registry *probes.Registry, store Store, probeTimeout, sessionDeadline time.Duration, logger *slog.Logger) *Orchestrator {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if sessionDeadline < probeTimeout {
		sessionDeadline = probeTimeout + 3*time.Second
	}
	return &Orchestrator{
		registry:        registry,
		store:           store,
		probeTimeout:    probeTimeout,
		sessionDeadline: sessionDeadline,
		logger:          logger,
	}
}

// Start launches a scan and returns the session plus its event stream. Each
// probe emits one event when it reaches a terminal state, carrying the trust
// score recomputed over the probes that have reported; the stream always ends
// with exactly one final event carrying the finished session, after which the
// channel is closed. Cancelling ctx stops outstanding probes and finishes the
// session as cancelled.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Session, <-chan Event, error) {
	types := req.ProbeTypes
	if len(types) == 0 {
		types = o.registry.Types()
	}
	if len(types) == 0 {
		return nil, nil, ErrNoProbes
	}
	for _, t := range types {
		if !o.registry.Has(t) {
			return nil, nil, fmt.Errorf("%w: %s", probes.ErrUnknownProbeType, t)
		}
	}

	session := &Session{
		ID:        idgen.WithPrefix("scan_"),
		Address:   req.Address,
		Network:   req.Network,
		Status:    StatusRunning,
		UserID:    req.UserID,
		StartedAt: time.Now().UTC(),
		Probes:    make([]probes.Probe, len(types)),
	}
	for i, t := range types {
		session.Probes[i] = probes.Probe{
			ID:     idgen.WithPrefix("probe_"),
			Type:   t,
			Status: probes.StatusPending,
		}
	}

	if err := o.store.Create(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to create scan session: %w", err)
	}

	events := make(chan Event, len(types)+1)
	go o.run(logging.WithScanID(ctx, session.ID), session, types, events)
	return session, events, nil
}

func (o *Orchestrator) run(ctx context.Context, session *Session, types []probes.Type, events chan<- Event) {
	defer close(events)

	ctx, span := traces.StartSpan(ctx, "scan.Run",
		traces.ScanID(session.ID),
		traces.Address(session.Address),
		traces.Network(session.Network),
	)
	defer span.End()

	scanCtx, cancel := context.WithTimeout(ctx, o.sessionDeadline)
	defer cancel()

	type indexed struct {
		idx   int
		probe probes.Probe
	}
	results := make(chan indexed, len(types))

	for i := range session.Probes {
		go func(idx int, p probes.Probe) {
			results <- indexed{idx: idx, probe: o.runProbe(scanCtx, p, session.Address, session.Network)}
		}(i, session.Probes[i])
	}

	// Single collector: session state and event order have one writer. Each
	// terminal probe triggers a recompute over everything reported so far, so
	// every streamed update carries a score snapshot that tightens as
	// evidence arrives. Snapshots and the final blend share one reference
	// time, which keeps confidence non-decreasing across the sequence.
	done := 0
collect:
	for done < len(types) {
		select {
		case r := <-results:
			session.Probes[r.idx] = r.probe
			done++
			snapshot := Blend(session.Probes, types, session.StartedAt)
			events <- Event{Probe: r.probe, Score: &snapshot}
		case <-scanCtx.Done():
			break collect
		}
	}

	session.CompletedAt = time.Now().UTC()
	session.DurationMS = session.CompletedAt.Sub(session.StartedAt).Milliseconds()

	switch {
	case done == len(types):
		session.Status = StatusComplete
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		session.Status = StatusCancelled
	default:
		session.Status = StatusPartial
	}

	// Probes still in flight at the deadline are recorded as timed out; their
	// goroutines unwind on their own once scanCtx is cancelled.
	for i := range session.Probes {
		if !session.Probes[i].Status.Terminal() {
			session.Probes[i].Status = probes.StatusTimeout
			session.Probes[i].Error = "session deadline exceeded"
		}
	}

	score := Blend(session.Probes, types, session.StartedAt)
	session.Score = &score

	metrics.ScansTotal.WithLabelValues(string(session.Status)).Inc()
	metrics.ScanDuration.Observe(float64(session.DurationMS) / 1000)

	// The audit write must survive the (possibly dead) scan context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finishCancel()
	if err := o.store.Finish(finishCtx, session); err != nil {
		logging.L(ctx).Error("failed to persist finished scan", "error", err)
	}

	logging.L(ctx).Info("scan finished",
		"status", session.Status,
		"score", score.Score,
		"confidence", score.Confidence,
		"flags", score.RiskFlags,
		"duration_ms", session.DurationMS,
	)
	events <- Event{Final: true, Session: session}
}

// runProbe executes one probe under its own timeout and returns the terminal
// probe record. Never panics the scan: every failure mode maps to a status.
func (o *Orchestrator) runProbe(ctx context.Context, p probes.Probe, address, network string) probes.Probe {
	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	p.Status = probes.StatusRunning
	start := time.Now()

	ev, fromCache, err := o.registry.Execute(probeCtx, p.Type, address, network)

	p.LatencyMS = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		p.Status = probes.StatusOK
		p.Evidence = &ev
		p.Provider = ev.SourceProvider
		p.FetchedAt = ev.FetchedAt
		p.FromCache = fromCache
	case errors.Is(err, context.DeadlineExceeded):
		p.Status = probes.StatusTimeout
		p.Error = "probe timeout"
	default:
		p.Status = probes.StatusError
		p.Error = err.Error()
	}

	metrics.ProbesTotal.WithLabelValues(string(p.Type), string(p.Status)).Inc()
	metrics.ProbeDuration.WithLabelValues(string(p.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		logging.L(ctx).Warn("probe failed", "type", p.Type, "status", p.Status, "error", err)
	}
	return p
}
