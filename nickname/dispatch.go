package nickname

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kshannoninnes/overseer/telemetry"
)

// Handler receives member events.
type Handler interface {
	OnMemberUpdated(ctx context.Context, before, after Member) error
	OnMemberJoined(ctx context.Context, m Member) error
}

type eventKind int

const (
	memberUpdated eventKind = iota
	memberJoined
)

func (k eventKind) String() string {
	if k == memberJoined {
		return "member_join"
	}
	return "member_update"
}

type event struct {
	kind   eventKind
	before Member
	after  Member
}

// Dispatcher fans member events out to a fixed set of workers. Events for the
// same user always land on the same worker and are handled in arrival order;
// different users are handled concurrently.
type Dispatcher struct {
	h      Handler
	shards []chan event
}

// NewDispatcher creates a dispatcher with workers shards, each buffering up to
// buffer events.
func NewDispatcher(h Handler, workers, buffer int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	d := &Dispatcher{h: h, shards: make([]chan event, workers)}
	for i := range d.shards {
		d.shards[i] = make(chan event, buffer)
	}
	return d
}

// MemberUpdated queues an update event. It blocks while the worker's buffer is
// full and returns ctx.Err() if ctx ends first.
func (d *Dispatcher) MemberUpdated(ctx context.Context, before, after Member) error {
	return d.enqueue(ctx, event{kind: memberUpdated, before: before, after: after})
}

// MemberJoined queues a join event.
func (d *Dispatcher) MemberJoined(ctx context.Context, m Member) error {
	return d.enqueue(ctx, event{kind: memberJoined, after: m})
}

func (d *Dispatcher) enqueue(ctx context.Context, ev event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := d.shards[shard(ev.after.ID, len(d.shards))]
	select {
	case ch <- ev:
		telemetry.AddQueueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished the event it was handling.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, ch := range d.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, i, ch)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, n int, ch <-chan event) {
	logger := slog.Default().With(slog.Int("worker", n), slog.String("component", "nickname_events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			telemetry.AddQueueDepth(-1)
			d.handle(ctx, logger, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, logger *slog.Logger, ev event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("member event handler panicked",
				slog.String("event", ev.kind.String()), slog.String("user_id", ev.after.ID), slog.Any("panic", r))
		}
	}()
	var err error
	switch ev.kind {
	case memberJoined:
		err = d.h.OnMemberJoined(ctx, ev.after)
	default:
		err = d.h.OnMemberUpdated(ctx, ev.before, ev.after)
	}
	if err != nil {
		logger.Warn("member event not reconciled",
			slog.String("event", ev.kind.String()), slog.String("user_id", ev.after.ID), slog.Any("err", err))
	}
}
