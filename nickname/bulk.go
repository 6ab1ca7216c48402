package nickname

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kshannoninnes/overseer/store"
	"github.com/kshannoninnes/overseer/telemetry"
)

// Bulk operation names, used in metrics, logs and summary keys.
const (
	OpEnforceAll = "enforce_all"
	OpReleaseAll = "release_all"
	OpResync     = "resync"
)

// SummaryKey is the key a bulk summary for op is recorded under.
func SummaryKey(op string) string { return "bulk_" + op + "_last" }

// BulkResult summarizes a bulk pass. Total counts every candidate; a candidate
// is either succeeded, skipped (nothing to do) or failed.
type BulkResult struct {
	Op            string        `json:"op"`
	CorrelationID string        `json:"correlation_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	Succeeded     int           `json:"succeeded"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	Total         int           `json:"total"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// BulkActive reports whether a bulk pass currently holds the gate.
func (e *Engine) BulkActive() bool { return len(e.bulk) > 0 }

// EnforceAll enforces name on every actionable member not already tracked.
// Per-member failures are counted, never returned.
func (e *Engine) EnforceAll(ctx context.Context, name string) (BulkResult, error) {
	if err := store.ValidateNickname(name); err != nil {
		return BulkResult{}, err
	}
	return e.runBulk(ctx, OpEnforceAll, e.rosterIDs, func(ctx context.Context, id string) (outcome, error) {
		unlock := e.locks.lock(id)
		defer unlock()
		err := e.enforceLocked(ctx, id, name)
		switch {
		case err == nil:
			return outcomeSucceeded, nil
		case errors.Is(err, ErrAlreadyEnforced):
			return outcomeSkipped, nil
		default:
			return outcomeFailed, err
		}
	})
}

// ReleaseAll releases every tracked member in the actionable roster.
func (e *Engine) ReleaseAll(ctx context.Context) (BulkResult, error) {
	return e.runBulk(ctx, OpReleaseAll, e.rosterIDs, func(ctx context.Context, id string) (outcome, error) {
		unlock := e.locks.lock(id)
		defer unlock()
		err := e.releaseLocked(ctx, id)
		switch {
		case err == nil:
			return outcomeSucceeded, nil
		case errors.Is(err, ErrNotEnforced):
			return outcomeSkipped, nil
		default:
			return outcomeFailed, err
		}
	})
}

// Resync walks every stored record and puts the enforced name back on members
// whose live nickname drifted while events were not being received, for
// example across a restart. It shares the gate with the other bulk passes.
func (e *Engine) Resync(ctx context.Context) (BulkResult, error) {
	return e.runBulk(ctx, OpResync, e.trackedIDs, func(ctx context.Context, id string) (outcome, error) {
		unlock := e.locks.lock(id)
		defer unlock()
		rec, err := e.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return outcomeSkipped, nil
		}
		if err != nil {
			return outcomeFailed, err
		}
		self, live, err := e.principals(ctx, id)
		if err != nil {
			return outcomeFailed, err
		}
		if live.Nickname == rec.EnforcedNickname {
			return outcomeSkipped, nil
		}
		if !CanModify(self, live) {
			return outcomeFailed, ErrPermissionDenied
		}
		if err := e.setNickname(ctx, id, rec.EnforcedNickname); err != nil {
			return outcomeFailed, err
		}
		telemetry.CountCorrection(OpResync)
		return outcomeSucceeded, nil
	})
}

func (e *Engine) rosterIDs(ctx context.Context) ([]string, error) {
	members, err := e.gw.ActionableMembers(ctx)
	if err != nil {
		return nil, gatewayErr("roster", "", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (e *Engine) trackedIDs(ctx context.Context) ([]string, error) {
	recs, err := e.Tracked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked users: %w", err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// runBulk holds the bulk gate for the whole pass. The gate is released on
// every exit path, panics included.
func (e *Engine) runBulk(
	ctx context.Context,
	op string,
	candidates func(context.Context) ([]string, error),
	each func(context.Context, string) (outcome, error),
) (res BulkResult, err error) {
	select {
	case e.bulk <- struct{}{}:
	default:
		telemetry.CountBulkRun(op, "busy")
		return BulkResult{}, ErrOperationInProgress
	}
	defer func() { <-e.bulk }()

	corr := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, corr)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "nickname.bulk", attribute.String("op", op))
	defer func() { finishSpan(span, err) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("op", op), slog.String("component", "nickname_bulk"))

	start := time.Now()
	res = BulkResult{Op: op, CorrelationID: corr, StartedAt: start.UTC()}

	ids, err := candidates(ctx)
	if err != nil {
		telemetry.CountBulkRun(op, "error")
		logger.Error("bulk pass aborted: candidate list unavailable", slog.Any("err", err))
		return res, err
	}
	res.Total = len(ids)
	logger.Info("bulk pass started", slog.Int("candidates", res.Total))

	var succeeded, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.bulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					logger.Error("bulk candidate panicked", slog.String("user_id", id), slog.Any("panic", r))
				}
			}()
			if ctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			o, err := each(ctx, id)
			switch o {
			case outcomeSucceeded:
				succeeded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
				logger.Debug("bulk candidate missed", slog.String("user_id", id), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Succeeded = int(succeeded.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	res.Duration = time.Since(start)

	telemetry.CountBulkRun(op, "ok")
	telemetry.ObserveBulkDuration(op, res.Duration)
	span.SetAttributes(attribute.Int("succeeded", res.Succeeded), attribute.Int("total", res.Total))
	logger.Info("bulk pass finished",
		slog.Int("succeeded", res.Succeeded),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Int("total", res.Total),
		slog.Duration("duration", res.Duration))
	e.recordSummary(ctx, logger, res)
	return res, nil
}

func (e *Engine) recordSummary(ctx context.Context, logger *slog.Logger, res BulkResult) {
	if e.recorder == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		logger.Warn("encode bulk summary", slog.Any("err", err))
		return
	}
	if err := e.recorder.Set(context.WithoutCancel(ctx), SummaryKey(res.Op), string(b)); err != nil {
		logger.Warn("record bulk summary", slog.Any("err", err))
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	span.End()
}
