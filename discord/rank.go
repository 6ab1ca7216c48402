package discord

import (
	"math"

	"github.com/bwmarrin/discordgo"

	"github.com/kshannoninnes/overseer/nickname"
)

// guildInfo is the part of a guild needed to rank members.
type guildInfo struct {
	id      string
	ownerID string
	roles   map[string]discordgo.Role
}

func newGuildInfo(g *discordgo.Guild, roles []*discordgo.Role) guildInfo {
	info := guildInfo{id: g.ID, ownerID: g.OwnerID, roles: make(map[string]discordgo.Role, len(roles))}
	for _, r := range roles {
		if r != nil {
			info.roles[r.ID] = *r
		}
	}
	return info
}

// rank is the highest role position the member holds. The owner outranks
// everyone; a member with no roles sits at the @everyone position.
func (g guildInfo) rank(m *discordgo.Member) int {
	if m.User != nil && m.User.ID == g.ownerID {
		return math.MaxInt
	}
	rank := 0
	if everyone, ok := g.roles[g.id]; ok {
		rank = everyone.Position
	}
	for _, id := range m.Roles {
		if r, ok := g.roles[id]; ok && r.Position > rank {
			rank = r.Position
		}
	}
	return rank
}

// permissions ORs the @everyone role with every role the member holds.
func (g guildInfo) permissions(m *discordgo.Member) int64 {
	if m.User != nil && m.User.ID == g.ownerID {
		return discordgo.PermissionAll
	}
	var perms int64
	if everyone, ok := g.roles[g.id]; ok {
		perms = everyone.Permissions
	}
	for _, id := range m.Roles {
		if r, ok := g.roles[id]; ok {
			perms |= r.Permissions
		}
	}
	return perms
}

func canManageNicknames(perms int64) bool {
	return perms&(discordgo.PermissionManageNicknames|discordgo.PermissionAdministrator) != 0
}

func (g guildInfo) member(m *discordgo.Member) nickname.Member {
	out := nickname.Member{Nickname: m.Nick, RoleRank: g.rank(m)}
	if m.User != nil {
		out.ID = m.User.ID
		out.Bot = m.User.Bot
	}
	return out
}

func (g guildInfo) self(m *discordgo.Member) nickname.Self {
	s := nickname.Self{RoleRank: g.rank(m), ManageNicknames: canManageNicknames(g.permissions(m))}
	if m.User != nil {
		s.ID = m.User.ID
	}
	return s
}
