package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/kshannoninnes/overseer/nickname"
)

// EventSink accepts member events. *nickname.Dispatcher implements it.
type EventSink interface {
	MemberUpdated(ctx context.Context, before, after nickname.Member) error
	MemberJoined(ctx context.Context, m nickname.Member) error
}

// Bind forwards member update and join events for the configured guild to
// sink. onAvailable, when non-nil, runs in its own goroutine each time the
// guild becomes available (after connect or an outage). ctx bounds every
// forwarded event.
func (g *Gateway) Bind(ctx context.Context, sink EventSink, onAvailable func(context.Context)) {
	g.s.AddHandler(g.memberUpdateHandler(ctx, sink))
	g.s.AddHandler(g.memberAddHandler(ctx, sink))
	if onAvailable != nil {
		g.s.AddHandler(g.guildCreateHandler(ctx, onAvailable))
	}
}

func (g *Gateway) memberUpdateHandler(ctx context.Context, sink EventSink) func(*discordgo.Session, *discordgo.GuildMemberUpdate) {
	return func(_ *discordgo.Session, ev *discordgo.GuildMemberUpdate) {
		if ev.Member == nil || ev.User == nil || ev.GuildID != g.guildID || ev.User.Bot {
			return
		}
		info, err := g.guild(ctx)
		if err != nil {
			g.log.Warn("dropping member update: guild unavailable", slog.String("user_id", ev.User.ID), slog.Any("err", err))
			return
		}
		after := info.member(ev.Member)
		before := nickname.Member{ID: after.ID, RoleRank: after.RoleRank}
		if ev.BeforeUpdate != nil {
			before = info.member(ev.BeforeUpdate)
		}
		if err := sink.MemberUpdated(ctx, before, after); err != nil {
			g.log.Warn("member update not queued", slog.String("user_id", after.ID), slog.Any("err", err))
		}
	}
}

func (g *Gateway) memberAddHandler(ctx context.Context, sink EventSink) func(*discordgo.Session, *discordgo.GuildMemberAdd) {
	return func(_ *discordgo.Session, ev *discordgo.GuildMemberAdd) {
		if ev.Member == nil || ev.User == nil || ev.GuildID != g.guildID || ev.User.Bot {
			return
		}
		info, err := g.guild(ctx)
		if err != nil {
			g.log.Warn("dropping member join: guild unavailable", slog.String("user_id", ev.User.ID), slog.Any("err", err))
			return
		}
		if err := sink.MemberJoined(ctx, info.member(ev.Member)); err != nil {
			g.log.Warn("member join not queued", slog.String("user_id", ev.User.ID), slog.Any("err", err))
		}
	}
}

func (g *Gateway) guildCreateHandler(ctx context.Context, onAvailable func(context.Context)) func(*discordgo.Session, *discordgo.GuildCreate) {
	return func(_ *discordgo.Session, ev *discordgo.GuildCreate) {
		if ev.Guild == nil || ev.ID != g.guildID || ev.Unavailable {
			return
		}
		g.log.Info("guild available")
		go onAvailable(ctx)
	}
}
