// Package lifecycle runs claimed jobs: it fetches from the source, persists
// the result and checkpoints the claimed watermark or operation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/emitter"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/source"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// Config holds executor settings.
type Config struct {
	// PageSize is the item limit of one ListPage call.
	PageSize int
	// RealtimeInterval delays the next realtime attempt when a tick found
	// nothing new.
	RealtimeInterval time.Duration
	// JobTimeout bounds the source call of one job. The claim lease bounds
	// it further.
	JobTimeout time.Duration
	// ForeverPendingAge retires operations that never report a terminal
	// status. Zero disables it.
	ForeverPendingAge time.Duration
}

// Job outcomes, used as metric labels.
const (
	outcomeSuccess  = "success"
	outcomeReleased = "released"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
	outcomeTerminal = "terminal"
	outcomeIgnored  = "ignored"
	outcomeFatal    = "fatal"
)

// Executor runs one job at a time per call and is safe for concurrent use.
type Executor struct {
	cfg     Config
	store   storage.Store
	source  source.Source
	emitter emitter.Emitter
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Executor)

// WithClock replaces time.Now for lease arithmetic and age checks.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(
	cfg Config,
	store storage.Store,
	src source.Source,
	em emitter.Emitter,
	opts ...Option,
) *Executor {
	if em == nil {
		em = emitter.Discard{}
	}
	e := &Executor{
		cfg:     cfg,
		store:   store,
		source:  src,
		emitter: em,
		now:     time.Now,
		log:     slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a claimed job to completion. Failures are recorded on the
// claimed entity; only an unreachable store is returned, since no progress
// can be made without it.
func (e *Executor) Execute(ctx context.Context, job domain.Job) error {
	start := time.Now()

	var outcome string
	var err error
	switch {
	case job.Watermark != nil:
		outcome, err = e.scan(ctx, job.Watermark)
	case job.Operation != nil:
		outcome, err = e.refresh(ctx, job.Operation)
	default:
		return fmt.Errorf("job %s has neither watermark nor operation", job)
	}

	metrics.JobsTotal.WithLabelValues(string(job.Kind), job.Stream(), outcome).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Kind), job.Stream()).Observe(time.Since(start).Seconds())
	return err
}

// callContext bounds a source call by the job timeout and by the end of the
// claim lease, after which another worker may take the entity.
func (e *Executor) callContext(ctx context.Context, leaseEnd time.Time) (context.Context, context.CancelFunc) {
	timeout := e.cfg.JobTimeout
	if left := leaseEnd.Sub(e.now()); left > 0 && (timeout <= 0 || left < timeout) {
		timeout = left
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// -----------------------------------------------------------------------------
// Scan
// -----------------------------------------------------------------------------

func (e *Executor) scan(ctx context.Context, wm *domain.Watermark) (string, error) {
	log := e.log.With("watermark_id", wm.ID, "stream", wm.Kind, "pointer", wm.Pointer)

	callCtx, cancel := e.callContext(ctx, wm.NextEligibleAt)
	page, err := e.source.ListPage(callCtx, source.PageRequest{
		Kind:    wm.Kind,
		Pointer: wm.Pointer,
		Bound:   wm.Bound,
		Limit:   e.cfg.PageSize,
	})
	cancel()
	if err != nil {
		return e.failWatermark(ctx, log, wm, fmt.Errorf("failed to list page: %w", err))
	}

	items, reached := e.applyBoundary(wm, page.Items)
	done := page.Done || reached

	if wm.Kind == domain.StreamRealtime && len(items) == 0 && !page.Truncated && page.Next == wm.Pointer {
		ok, err := e.store.Watermarks().Release(ctx, wm, e.cfg.RealtimeInterval)
		if err != nil {
			return e.failWatermark(ctx, log, wm, err)
		}
		if !ok {
			log.Debug("claim lost before release")
			return outcomeIgnored, nil
		}
		return outcomeReleased, nil
	}

	buf := emitter.NewBuffer(e.emitter)
	var created int
	err = e.store.Do(ctx, func(uow storage.UnitOfWork) error {
		buf.Reset()
		created = 0

		for _, item := range items {
			id, isNew, anomaly, err := uow.Operations().UpsertDiscovered(ctx, item)
			if err != nil {
				return fmt.Errorf("failed to upsert %s: %w", item.ExternalID, err)
			}
			if anomaly != "" {
				e.anomaly(log, "orphan", anomaly, "external_id", item.ExternalID)
			}
			if isNew {
				created++
				op := &domain.Operation{ID: id, ExternalID: item.ExternalID, RootID: id, StatusDetail: item.StatusDetail}
				buf.Queue(domain.NewEvent(domain.EventDiscovered, op, e.now()))
			}
		}

		if page.Truncated {
			gap, err := uow.Watermarks().CreateGap(ctx, page.Gap.From, page.Gap.To)
			if err != nil {
				return fmt.Errorf("failed to create gap: %w", err)
			}
			log.Info("realtime page truncated, gap scheduled",
				"gap_id", gap.ID,
				"from", page.Gap.From,
				"to", page.Gap.To,
			)
		}

		ok, err := uow.Watermarks().Finalize(ctx, wm, page.Next, done)
		if err != nil {
			return fmt.Errorf("failed to finalize watermark: %w", err)
		}
		if !ok {
			return domain.ErrLostClaim
		}
		return nil
	})
	if err != nil {
		return e.failWatermark(ctx, log, wm, err)
	}

	if page.Truncated {
		metrics.GapsCreated.Inc()
	}
	metrics.OperationsDiscovered.WithLabelValues(string(wm.Kind)).Add(float64(created))
	e.flush(ctx, buf)

	log.Debug("page indexed",
		"items", len(items),
		"created", created,
		"next", page.Next,
		"done", done,
	)
	if done {
		log.Info("stream interval complete")
	}
	return outcomeSuccess, nil
}

// applyBoundary drops historical items discovered before the start boundary
// and reports whether the boundary was crossed.
func (e *Executor) applyBoundary(wm *domain.Watermark, items []domain.Discovery) ([]domain.Discovery, bool) {
	if wm.Kind != domain.StreamHistorical || wm.Bound == "" {
		return items, false
	}
	boundary, err := time.Parse(time.RFC3339, wm.Bound)
	if err != nil {
		return items, false
	}

	kept := items[:0:0]
	reached := false
	for _, item := range items {
		if item.DiscoveredAt.Before(boundary) {
			reached = true
			continue
		}
		kept = append(kept, item)
	}
	return kept, reached
}

func (e *Executor) failWatermark(ctx context.Context, log *slog.Logger, wm *domain.Watermark, cause error) (string, error) {
	switch recovery.Classify(cause) {
	case recovery.DecisionFatal:
		log.Error("store unavailable", "error", cause)
		return outcomeFatal, cause
	case recovery.DecisionIgnore:
		log.Debug("job result dropped", "error", cause)
		return outcomeIgnored, nil
	}

	// a page is never terminal on its own; every other failure is retried
	status, err := e.store.Watermarks().Fail(ctx, wm, cause.Error())
	if err != nil {
		return e.failureNotRecorded(log, cause, err)
	}
	if status == domain.WatermarkFailed {
		metrics.WatermarksFailed.WithLabelValues(string(wm.Kind)).Inc()
		log.Warn("watermark failed, left to failed-retry",
			"attempts", wm.AttemptCount,
			"error", cause,
		)
		return outcomeFailed, nil
	}
	log.Warn("scan failed, will retry", "attempt", wm.AttemptCount, "error", cause)
	return outcomeRetry, nil
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

func (e *Executor) refresh(ctx context.Context, op *domain.Operation) (string, error) {
	log := e.log.With("operation_id", op.ID, "external_id", op.ExternalID)

	callCtx, cancel := e.callContext(ctx, op.NextPollAt)
	detail, err := e.source.FetchDetail(callCtx, op.ExternalID)
	cancel()
	if err != nil {
		return e.failOperation(ctx, log, op, fmt.Errorf("failed to fetch detail: %w", err))
	}

	upd := domain.StatusUpdate{
		Detail:     detail.Status,
		ObservedAt: detail.ObservedAt,
		Terminal:   detail.Terminal,
		Source:     e.source.Name(),
		Payload:    detail.Payload,
	}
	if upd.ObservedAt.IsZero() {
		upd.ObservedAt = e.now()
	}
	reason := "source"
	if !upd.Terminal && e.expired(op) {
		upd.Terminal = true
		upd.Note = fmt.Sprintf("forever pending: no terminal status after %s", e.cfg.ForeverPendingAge)
		reason = "forever_pending"
	}

	buf := emitter.NewBuffer(e.emitter)
	var linked storage.LinkResult
	err = e.store.Do(ctx, func(uow storage.UnitOfWork) error {
		buf.Reset()

		var err error
		linked, err = uow.Operations().LinkChildren(ctx, op, detail.Children)
		if err != nil {
			return fmt.Errorf("failed to link children: %w", err)
		}
		for _, id := range linked.Created {
			child, err := uow.Operations().Get(ctx, id)
			if err != nil {
				return err
			}
			buf.Queue(domain.NewEvent(domain.EventDiscovered, child, e.now()))
		}
		for _, id := range linked.Relinked {
			child, err := uow.Operations().Get(ctx, id)
			if err != nil {
				return err
			}
			buf.Queue(domain.NewEvent(domain.EventRelinked, child, e.now()))
		}

		ok, err := uow.Operations().RecordStatus(ctx, op, upd)
		if err != nil {
			return fmt.Errorf("failed to record status: %w", err)
		}
		if !ok {
			return domain.ErrLostClaim
		}

		cur := *op
		cur.StatusDetail = upd.Detail
		switch {
		case upd.Terminal:
			buf.Queue(domain.NewEvent(domain.EventTerminal, &cur, e.now()))
		case upd.Detail != op.StatusDetail:
			buf.Queue(domain.NewEvent(domain.EventStatus, &cur, e.now()))
		}
		return nil
	})
	if err != nil {
		return e.failOperation(ctx, log, op, err)
	}

	for _, skipped := range linked.Skipped {
		e.anomaly(log, "child_before_parent",
			"child discovered before its parent, link skipped",
			"child", skipped,
		)
	}
	metrics.OperationsDiscovered.WithLabelValues("refresh").Add(float64(len(linked.Created)))
	metrics.OperationsRelinked.Add(float64(len(linked.Relinked)))
	if upd.Terminal {
		metrics.OperationsTerminal.WithLabelValues(reason).Inc()
	}
	e.flush(ctx, buf)

	log.Debug("status refreshed",
		"status", upd.Detail,
		"terminal", upd.Terminal,
		"children_created", len(linked.Created),
		"children_relinked", len(linked.Relinked),
	)
	if upd.Terminal {
		return outcomeTerminal, nil
	}
	return outcomeSuccess, nil
}

func (e *Executor) expired(op *domain.Operation) bool {
	return e.cfg.ForeverPendingAge > 0 && e.now().Sub(op.DiscoveredAt) > e.cfg.ForeverPendingAge
}

func (e *Executor) failOperation(ctx context.Context, log *slog.Logger, op *domain.Operation, cause error) (string, error) {
	switch recovery.Classify(cause) {
	case recovery.DecisionFatal:
		log.Error("store unavailable", "error", cause)
		return outcomeFatal, cause
	case recovery.DecisionIgnore:
		log.Debug("job result dropped", "error", cause)
		return outcomeIgnored, nil
	case recovery.DecisionTerminal:
		ok, err := e.store.Operations().MarkTerminal(ctx, op, cause.Error())
		if err != nil {
			return e.failureNotRecorded(log, cause, err)
		}
		if !ok {
			log.Debug("claim lost before marking terminal")
			return outcomeIgnored, nil
		}
		metrics.OperationsTerminal.WithLabelValues("source_error").Inc()
		cur := *op
		cur.Terminal = true
		if err := e.emitter.Emit(ctx, domain.NewEvent(domain.EventTerminal, &cur, e.now())); err != nil {
			log.Warn("failed to emit events", "error", err)
		}
		log.Info("operation terminal", "reason", cause)
		return outcomeTerminal, nil
	}

	status, err := e.store.Operations().Fail(ctx, op, cause.Error())
	if err != nil {
		return e.failureNotRecorded(log, cause, err)
	}
	if status == domain.ProcessingFailed {
		log.Warn("operation failed, left to failed-retry",
			"retries", op.RetriesNumber,
			"error", cause,
		)
		return outcomeFailed, nil
	}
	log.Warn("refresh failed, will retry", "retries", op.RetriesNumber, "error", cause)
	return outcomeRetry, nil
}

// failureNotRecorded handles an error raised while recording a failure.
func (e *Executor) failureNotRecorded(log *slog.Logger, cause, err error) (string, error) {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		log.Error("store unavailable", "error", err)
		return outcomeFatal, err
	case errors.Is(err, domain.ErrLostClaim):
		log.Debug("claim lost before recording failure", "error", cause)
		return outcomeIgnored, nil
	default:
		// the lease runs out and the entity is claimed again
		log.Error("failed to record job failure", "error", err, "cause", cause)
		return outcomeRetry, nil
	}
}

func (e *Executor) anomaly(log *slog.Logger, kind, msg string, args ...any) {
	metrics.DataAnomalies.WithLabelValues(kind).Inc()
	log.Warn(msg, append(args, "anomaly", true)...)
}

func (e *Executor) flush(ctx context.Context, buf *emitter.Buffer) {
	if err := buf.Flush(ctx); err != nil {
		e.log.Warn("failed to emit events", "error", err)
	}
}
