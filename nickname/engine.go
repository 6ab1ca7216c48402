// Package nickname keeps tracked guild members on the nickname an operator
// chose for them.
//
// The Engine owns every write to the enforcement store. Operators call
// Enforce and Release for one member, or EnforceAll and ReleaseAll for the
// whole actionable roster; at most one bulk pass runs at a time and a second
// request fails with ErrOperationInProgress instead of waiting. Member events
// from the gateway are fed through a Dispatcher into OnMemberUpdated and
// OnMemberJoined, which put the enforced name back whenever it drifts.
//
// Work on a single user id is serialized inside the Engine, so a Release can
// never interleave with a correction for the same member.
package nickname

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kshannoninnes/overseer/store"
	"github.com/kshannoninnes/overseer/telemetry"
)

const tracerName = "overseer/nickname"

// Gateway is the platform the engine reads members from and writes nicknames to.
type Gateway interface {
	Self(ctx context.Context) (Self, error)
	Member(ctx context.Context, id string) (Member, error)
	// ActionableMembers returns every non-bot member ranked below the bot.
	ActionableMembers(ctx context.Context) ([]Member, error)
	SetNickname(ctx context.Context, id, nickname string) error
}

// SummaryRecorder persists the outcome of the last bulk pass per operation.
type SummaryRecorder interface {
	Set(ctx context.Context, key, value string) error
}

// Engine reconciles members' nicknames with the enforcement store.
type Engine struct {
	store store.Store[store.TrackedUser]
	gw    Gateway

	locks keyLock
	bulk  chan struct{}

	mutationTimeout time.Duration
	bulkConcurrency int
	recorder        SummaryRecorder
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMutationTimeout bounds every SetNickname call. Zero disables the bound.
func WithMutationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.mutationTimeout = d }
}

// WithBulkConcurrency sets how many members a bulk pass works on at once.
func WithBulkConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bulkConcurrency = n
		}
	}
}

// WithSummaryRecorder stores a JSON summary of each finished bulk pass.
func WithSummaryRecorder(r SummaryRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine over st and gw.
func New(st store.Store[store.TrackedUser], gw Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		gw:              gw,
		bulk:            make(chan struct{}, 1),
		mutationTimeout: 10 * time.Second,
		bulkConcurrency: 4,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce starts enforcing name for user id. The member's current nickname is
// remembered so Release can restore it. If the rename fails after the record
// was stored, the record stays and the GatewayError is returned.
func (e *Engine) Enforce(ctx context.Context, id, name string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "nickname.Enforce", telemetry.UserAttr(id))
	defer func() {
		finishSpan(span, err)
		telemetry.CountEnforcement("enforce", resultLabel(err))
	}()

	if err := store.ValidateNickname(name); err != nil {
		return err
	}
	if _, err := store.ParseID(id); err != nil {
		return err
	}

	unlock := e.locks.lock(id)
	defer unlock()
	return e.enforceLocked(ctx, id, name)
}

func (e *Engine) enforceLocked(ctx context.Context, id, name string) error {
	tracked, err := e.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if tracked {
		return ErrAlreadyEnforced
	}

	self, target, err := e.principals(ctx, id)
	if err != nil {
		return err
	}
	if !CanModify(self, target) {
		return ErrPermissionDenied
	}

	rec := store.TrackedUser{
		ID:               id,
		ObservedNickname: target.Nickname,
		EnforcedNickname: name,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyEnforced
		}
		return fmt.Errorf("track %s: %w", id, err)
	}
	telemetry.AddTrackedUsers(1)

	if target.Nickname == name {
		return nil
	}
	if err := e.setNickname(ctx, id, name); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("enforcement recorded but rename failed",
			slog.String("user_id", id), slog.Any("err", err), slog.String("component", "nickname"))
		return err
	}
	return nil
}

// Release stops enforcing user id and restores the nickname they had before.
// The record is removed before the rename so a concurrent correction cannot
// put the enforced name back.
func (e *Engine) Release(ctx context.Context, id string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "nickname.Release", telemetry.UserAttr(id))
	defer func() {
		finishSpan(span, err)
		telemetry.CountEnforcement("release", resultLabel(err))
	}()

	unlock := e.locks.lock(id)
	defer unlock()
	return e.releaseLocked(ctx, id)
}

func (e *Engine) releaseLocked(ctx context.Context, id string) error {
	tracked, err := e.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if !tracked {
		return ErrNotEnforced
	}

	self, target, err := e.principals(ctx, id)
	if err != nil {
		return err
	}
	if !CanModify(self, target) {
		return ErrPermissionDenied
	}

	rec, err := e.store.Remove(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotEnforced
	case errors.Is(err, store.ErrInvalidRecord):
		// Legacy row without an enforced name; it is gone now, restore anyway.
		telemetry.LoggerWithCorr(ctx).Warn("released invalid enforcement record",
			slog.String("user_id", id), slog.Any("err", err), slog.String("component", "nickname"))
	case err != nil:
		return fmt.Errorf("untrack %s: %w", id, err)
	}
	telemetry.AddTrackedUsers(-1)

	if target.Nickname == rec.ObservedNickname {
		return nil
	}
	return e.setNickname(ctx, id, rec.ObservedNickname)
}

// IsTracked reports whether user id has an enforced nickname.
func (e *Engine) IsTracked(ctx context.Context, id string) (bool, error) {
	return e.store.Exists(ctx, id)
}

// Record returns the enforcement record for id, or ErrNotEnforced.
func (e *Engine) Record(ctx context.Context, id string) (store.TrackedUser, error) {
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.TrackedUser{}, ErrNotEnforced
	}
	return rec, err
}

// Tracked lists every enforcement record.
func (e *Engine) Tracked(ctx context.Context) ([]store.TrackedUser, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.SetTrackedUsers(len(recs))
	return recs, nil
}

// principals fetches the bot and the target fresh from the gateway.
func (e *Engine) principals(ctx context.Context, id string) (Self, Member, error) {
	self, err := e.gw.Self(ctx)
	if err != nil {
		return Self{}, Member{}, gatewayErr("self", "", err)
	}
	target, err := e.gw.Member(ctx, id)
	if err != nil {
		return Self{}, Member{}, gatewayErr("member", id, err)
	}
	return self, target, nil
}

func (e *Engine) setNickname(ctx context.Context, id, name string) error {
	if e.mutationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.mutationTimeout)
		defer cancel()
	}
	if err := e.gw.SetNickname(ctx, id, name); err != nil {
		return gatewayErr("set_nickname", id, err)
	}
	return nil
}
