package nickname

// Self is the bot's own standing in the guild.
type Self struct {
	ID              string
	RoleRank        int
	ManageNicknames bool
}

// Member is a guild member as seen by the engine. An empty Nickname means the
// member has no nickname set.
type Member struct {
	ID       string
	Nickname string
	RoleRank int
	Bot      bool
}

// CanModify reports whether self may change target's nickname. Rank must be
// strictly greater; the capability flag alone is never enough.
func CanModify(self Self, target Member) bool {
	return self.RoleRank > target.RoleRank && self.ManageNicknames
}
