package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kshannoninnes/overseer/nickname"
)

// ErrMemberNotFound is returned by FakeGateway for unknown members.
var ErrMemberNotFound = errors.New("fake gateway: unknown member")

// SetCall is one recorded SetNickname call.
type SetCall struct {
	ID       string
	Nickname string
}

// FakeGateway is an in-memory nickname.Gateway. SetNickname updates the stored
// member so later reads see the new nickname.
type FakeGateway struct {
	mu        sync.Mutex
	self      nickname.Self
	members   map[string]nickname.Member
	calls     []SetCall
	selfErr   error
	rosterErr error
	memberErr map[string]error
	setErr    map[string]error
	ready     bool

	// OnSet, when non-nil, runs before every SetNickname is applied. A non-nil
	// error fails the call.
	OnSet func(ctx context.Context, id, nickname string) error
}

var _ nickname.Gateway = (*FakeGateway)(nil)

// NewFakeGateway returns a connected gateway with the given bot and members.
func NewFakeGateway(self nickname.Self, members ...nickname.Member) *FakeGateway {
	g := &FakeGateway{
		self:      self,
		members:   make(map[string]nickname.Member),
		memberErr: make(map[string]error),
		setErr:    make(map[string]error),
		ready:     true,
	}
	for _, m := range members {
		g.members[m.ID] = m
	}
	return g
}

// SetSelf replaces the bot's standing.
func (g *FakeGateway) SetSelf(s nickname.Self) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.self = s
}

// PutMember adds or replaces a member.
func (g *FakeGateway) PutMember(m nickname.Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[m.ID] = m
}

// Nickname returns the current nickname of id.
func (g *FakeGateway) Nickname(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[id].Nickname
}

// Calls returns a copy of every SetNickname call made so far.
func (g *FakeGateway) Calls() []SetCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SetCall(nil), g.calls...)
}

// FailSelf makes Self return err.
func (g *FakeGateway) FailSelf(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfErr = err
}

// FailRoster makes ActionableMembers return err.
func (g *FakeGateway) FailRoster(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rosterErr = err
}

// FailMember makes Member(id) return err.
func (g *FakeGateway) FailMember(id string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memberErr[id] = err
}

// FailSet makes SetNickname(id, ...) return err without changing the member.
func (g *FakeGateway) FailSet(id string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setErr[id] = err
}

// SetReady changes what Ready reports.
func (g *FakeGateway) SetReady(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = ok
}

// Ready reports whether the fake session counts as connected.
func (g *FakeGateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *FakeGateway) Self(ctx context.Context) (nickname.Self, error) {
	if err := ctx.Err(); err != nil {
		return nickname.Self{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.selfErr != nil {
		return nickname.Self{}, g.selfErr
	}
	return g.self, nil
}

func (g *FakeGateway) Member(ctx context.Context, id string) (nickname.Member, error) {
	if err := ctx.Err(); err != nil {
		return nickname.Member{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.memberErr[id]; err != nil {
		return nickname.Member{}, err
	}
	m, ok := g.members[id]
	if !ok {
		return nickname.Member{}, ErrMemberNotFound
	}
	return m, nil
}

// ActionableMembers returns non-bot members ranked below the bot, ordered by id.
func (g *FakeGateway) ActionableMembers(ctx context.Context) ([]nickname.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rosterErr != nil {
		return nil, g.rosterErr
	}
	var out []nickname.Member
	for _, m := range g.members {
		if !m.Bot && m.RoleRank < g.self.RoleRank {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *FakeGateway) SetNickname(ctx context.Context, id, nick string) error {
	if g.OnSet != nil {
		if err := g.OnSet(ctx, id, nick); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, SetCall{ID: id, Nickname: nick})
	if err := g.setErr[id]; err != nil {
		return err
	}
	m, ok := g.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	m.Nickname = nick
	g.members[id] = m
	return nil
}
