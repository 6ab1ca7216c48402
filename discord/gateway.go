// Package discord adapts a discordgo session to the nickname engine: it reads
// the bot's standing and guild members, pages the member roster, writes
// nicknames and turns member gateway events into engine events.
//
// One Gateway serves exactly one guild.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v5"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/telemetry"
)

// rosterPageSize is the largest page the members endpoint returns.
const rosterPageSize = 1000

// Gateway implements nickname.Gateway over a discordgo session.
type Gateway struct {
	s         *discordgo.Session
	guildID   string
	retries   uint
	connected atomic.Bool
	log       *slog.Logger
}

var _ nickname.Gateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithRosterRetries bounds the attempts made for each roster page.
func WithRosterRetries(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.retries = uint(n)
		}
	}
}

// New creates a session for a bot token. The session is not opened.
func New(token, guildID string, opts ...Option) (*Gateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	// Events are handed to the dispatcher from the read loop so that events for
	// one member keep their order.
	s.SyncEvents = true
	s.StateEnabled = true
	s.State.TrackMembers = true
	s.State.TrackRoles = true
	return NewWithSession(s, guildID, opts...), nil
}

// NewWithSession wraps an existing session.
func NewWithSession(s *discordgo.Session, guildID string, opts ...Option) *Gateway {
	g := &Gateway{
		s:       s,
		guildID: guildID,
		retries: 5,
		log:     slog.Default().With(slog.String("component", "discord"), slog.String("guild_id", guildID)),
	}
	for _, opt := range opts {
		opt(g)
	}
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) { g.setConnected(true) })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) { g.setConnected(true) })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) { g.setConnected(false) })
	return g
}

func (g *Gateway) setConnected(up bool) {
	if g.connected.Swap(up) != up {
		g.log.Info("gateway connection changed", slog.Bool("connected", up))
	}
	telemetry.UpdateGatewayGauge(up)
}

// Open connects to the Discord gateway.
func (g *Gateway) Open() error {
	if err := g.s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the Discord gateway.
func (g *Gateway) Close() error {
	g.setConnected(false)
	return g.s.Close()
}

// Ready reports whether the gateway session is connected.
func (g *Gateway) Ready() bool { return g.connected.Load() }

// guild returns the guild's owner and roles, from state when cached.
func (g *Gateway) guild(ctx context.Context) (guildInfo, error) {
	if s := g.s.State; s != nil {
		if cached, err := s.Guild(g.guildID); err == nil {
			s.RLock()
			info := newGuildInfo(cached, cached.Roles)
			s.RUnlock()
			if len(info.roles) > 0 {
				return info, nil
			}
		}
	}
	guild, err := g.s.Guild(g.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return guildInfo{}, fmt.Errorf("fetch guild: %w", err)
	}
	roles := guild.Roles
	if len(roles) == 0 {
		if roles, err = g.s.GuildRoles(g.guildID, discordgo.WithContext(ctx)); err != nil {
			return guildInfo{}, fmt.Errorf("fetch guild roles: %w", err)
		}
	}
	return newGuildInfo(guild, roles), nil
}

func (g *Gateway) member(ctx context.Context, id string) (*discordgo.Member, error) {
	if s := g.s.State; s != nil {
		if m, err := s.Member(g.guildID, id); err == nil {
			s.RLock()
			cp := *m
			s.RUnlock()
			return &cp, nil
		}
	}
	m, err := g.s.GuildMember(g.guildID, id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch member %s: %w", id, err)
	}
	return m, nil
}

func (g *Gateway) selfID(ctx context.Context) (string, error) {
	if s := g.s.State; s != nil {
		s.RLock()
		u := s.User
		s.RUnlock()
		if u != nil {
			return u.ID, nil
		}
	}
	u, err := g.s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch bot user: %w", err)
	}
	return u.ID, nil
}

// Self returns the bot's rank and nickname permission in the guild.
func (g *Gateway) Self(ctx context.Context) (nickname.Self, error) {
	id, err := g.selfID(ctx)
	if err != nil {
		return nickname.Self{}, err
	}
	info, err := g.guild(ctx)
	if err != nil {
		return nickname.Self{}, err
	}
	m, err := g.member(ctx, id)
	if err != nil {
		return nickname.Self{}, err
	}
	return info.self(m), nil
}

// Member returns one guild member.
func (g *Gateway) Member(ctx context.Context, id string) (nickname.Member, error) {
	info, err := g.guild(ctx)
	if err != nil {
		return nickname.Member{}, err
	}
	m, err := g.member(ctx, id)
	if err != nil {
		return nickname.Member{}, err
	}
	return info.member(m), nil
}

// ActionableMembers pages through the whole roster and keeps the non-bot
// members ranked below the bot. Each page is retried with exponential backoff.
func (g *Gateway) ActionableMembers(ctx context.Context) ([]nickname.Member, error) {
	self, err := g.Self(ctx)
	if err != nil {
		return nil, err
	}
	info, err := g.guild(ctx)
	if err != nil {
		return nil, err
	}

	var out []nickname.Member
	after := ""
	for {
		page, err := g.rosterPage(ctx, after)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if m == nil || m.User == nil {
				continue
			}
			member := info.member(m)
			if member.Bot || member.RoleRank >= self.RoleRank {
				continue
			}
			out = append(out, member)
		}
		if len(page) < rosterPageSize || page[len(page)-1].User == nil {
			break
		}
		after = page[len(page)-1].User.ID
	}
	g.log.Debug("roster fetched", slog.Int("actionable", len(out)))
	return out, nil
}

func (g *Gateway) rosterPage(ctx context.Context, after string) ([]*discordgo.Member, error) {
	attempt := 0
	page, err := backoff.Retry(ctx, func() ([]*discordgo.Member, error) {
		attempt++
		p, err := g.s.GuildMembers(g.guildID, after, rosterPageSize, discordgo.WithContext(ctx))
		if err == nil {
			return p, nil
		}
		if permanent(err) {
			return nil, backoff.Permanent(err)
		}
		g.log.Warn("roster page failed, retrying", slog.Int("attempt", attempt), slog.String("after", after), slog.Any("err", err))
		return nil, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(g.retries))
	if err != nil {
		return nil, fmt.Errorf("fetch roster after %q: %w", after, err)
	}
	return page, nil
}

// permanent reports errors retrying cannot fix: the bot lacks access or the
// guild does not exist.
func permanent(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// SetNickname changes a member's nickname; an empty nickname clears it.
func (g *Gateway) SetNickname(ctx context.Context, id, nick string) error {
	target := id
	if self, err := g.selfID(ctx); err == nil && self == id {
		target = "@me"
	}
	if err := g.s.GuildMemberNickname(g.guildID, target, nick, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("set nickname of %s: %w", id, err)
	}
	return nil
}
