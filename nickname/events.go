package nickname

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kshannoninnes/overseer/store"
	"github.com/kshannoninnes/overseer/telemetry"
)

// OnMemberUpdated restores the enforced nickname when a tracked member's
// nickname changed away from it. The store is never written. The live member
// is re-read before renaming, so replaying the same event after a correction
// is a no-op.
func (e *Engine) OnMemberUpdated(ctx context.Context, before, after Member) error {
	unlock := e.locks.lock(after.ID)
	defer unlock()

	rec, err := e.store.Get(ctx, after.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if after.Nickname == rec.EnforcedNickname {
		return nil
	}

	self, live, err := e.principals(ctx, after.ID)
	if err != nil {
		return err
	}
	if live.Nickname == rec.EnforcedNickname {
		return nil
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("user_id", after.ID), slog.String("component", "nickname_events"))
	if !CanModify(self, live) {
		logger.Info("cannot restore enforced nickname: member outranks bot or permission missing",
			slog.String("nickname", live.Nickname))
		return nil
	}
	if err := e.setNickname(ctx, after.ID, rec.EnforcedNickname); err != nil {
		return err
	}
	telemetry.CountCorrection("member_update")
	logger.Info("restored enforced nickname",
		slog.String("from", live.Nickname),
		slog.String("before", before.Nickname),
		slog.String("to", rec.EnforcedNickname))
	return nil
}

// OnMemberJoined applies the enforced nickname to a tracked member who
// (re)joined the guild.
func (e *Engine) OnMemberJoined(ctx context.Context, m Member) error {
	unlock := e.locks.lock(m.ID)
	defer unlock()

	rec, err := e.store.Get(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Nickname == rec.EnforcedNickname {
		return nil
	}
	if err := e.setNickname(ctx, m.ID, rec.EnforcedNickname); err != nil {
		return err
	}
	telemetry.CountCorrection("member_join")
	telemetry.LoggerWithCorr(ctx).Info("applied enforced nickname on join",
		slog.String("user_id", m.ID), slog.String("to", rec.EnforcedNickname), slog.String("component", "nickname_events"))
	return nil
}
