package nickname_test

import (
	"context"
	"sync"
	"testing"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/testutil"
)

func TestOnMemberUpdatedRestoresEnforcedNickname(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
	e, st := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")
	recBefore, _ := st.Get(context.Background(), "7")

	drifted := nickname.Member{ID: "7", Nickname: "NotBob", RoleRank: 5}
	gw.PutMember(drifted)
	before := nickname.Member{ID: "7", Nickname: "Bob", RoleRank: 5}

	if err := e.OnMemberUpdated(context.Background(), before, drifted); err != nil {
		t.Fatalf("OnMemberUpdated: %v", err)
	}
	if got := gw.Nickname("7"); got != "Bob" {
		t.Fatalf("nickname = %q, want Bob", got)
	}
	calls := len(gw.Calls())

	// Replaying the same event finds nothing to correct.
	if err := e.OnMemberUpdated(context.Background(), before, drifted); err != nil {
		t.Fatalf("second OnMemberUpdated: %v", err)
	}
	if got := len(gw.Calls()); got != calls {
		t.Errorf("replayed event issued %d extra renames", got-calls)
	}

	recAfter, _ := st.Get(context.Background(), "7")
	if recAfter != recBefore {
		t.Errorf("correction edited the record: %+v -> %+v", recBefore, recAfter)
	}
}

func TestOnMemberUpdatedRestoresClearedNickname(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")

	cleared := nickname.Member{ID: "7", RoleRank: 5}
	gw.PutMember(cleared)
	if err := e.OnMemberUpdated(context.Background(), nickname.Member{ID: "7", Nickname: "Bob"}, cleared); err != nil {
		t.Fatalf("OnMemberUpdated: %v", err)
	}
	if got := gw.Nickname("7"); got != "Bob" {
		t.Errorf("nickname = %q, want Bob", got)
	}
}

func TestOnMemberUpdatedIgnoresUntrackedAndMatching(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5},
		nickname.Member{ID: "8", Nickname: "Free", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")
	calls := len(gw.Calls())

	if err := e.OnMemberUpdated(context.Background(),
		nickname.Member{ID: "8", Nickname: "Free"}, nickname.Member{ID: "8", Nickname: "Freer", RoleRank: 5}); err != nil {
		t.Fatalf("untracked: %v", err)
	}
	if err := e.OnMemberUpdated(context.Background(),
		nickname.Member{ID: "7", Nickname: "Bobby"}, nickname.Member{ID: "7", Nickname: "Bob", RoleRank: 5}); err != nil {
		t.Fatalf("matching: %v", err)
	}
	if got := len(gw.Calls()); got != calls {
		t.Errorf("%d renames issued for events needing no correction", got-calls)
	}
}

func TestOnMemberUpdatedWithoutPermissionLeavesNickname(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")

	// Promoted above the bot, then changed their own nickname.
	promoted := nickname.Member{ID: "7", Nickname: "Boss", RoleRank: 20}
	gw.PutMember(promoted)
	calls := len(gw.Calls())
	if err := e.OnMemberUpdated(context.Background(), nickname.Member{ID: "7", Nickname: "Bob"}, promoted); err != nil {
		t.Fatalf("OnMemberUpdated: %v", err)
	}
	if len(gw.Calls()) != calls {
		t.Error("rename attempted on a member that outranks the bot")
	}
	if !tracked(t, e, "7") {
		t.Error("record removed by an event")
	}
}

func TestOnMemberJoinedAppliesEnforcedNickname(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")

	// Left and came back: nickname reset by the platform.
	rejoined := nickname.Member{ID: "7", RoleRank: 0}
	gw.PutMember(rejoined)
	if err := e.OnMemberJoined(context.Background(), rejoined); err != nil {
		t.Fatalf("OnMemberJoined: %v", err)
	}
	if got := gw.Nickname("7"); got != "Bob" {
		t.Errorf("nickname = %q, want Bob", got)
	}

	calls := len(gw.Calls())
	if err := e.OnMemberJoined(context.Background(), nickname.Member{ID: "7", Nickname: "Bob"}); err != nil {
		t.Fatalf("second OnMemberJoined: %v", err)
	}
	if len(gw.Calls()) != calls {
		t.Error("join with the enforced nickname issued a rename")
	}
}

func TestOnMemberJoinedIgnoresUntracked(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "8", Nickname: "New", RoleRank: 0})
	e, _ := newEngine(t, gw)
	if err := e.OnMemberJoined(context.Background(), nickname.Member{ID: "8", Nickname: "New"}); err != nil {
		t.Fatalf("OnMemberJoined: %v", err)
	}
	if len(gw.Calls()) != 0 {
		t.Error("untracked join issued a rename")
	}
}

// A release racing a correction for the same member always ends released,
// showing the original nickname.
func TestReleaseRacingCorrectionEndsReleased(t *testing.T) {
	for i := 0; i < 50; i++ {
		gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
		e, _ := newEngine(t, gw)
		mustEnforce(t, e, "7", "Bob")
		drifted := nickname.Member{ID: "7", Nickname: "Drift", RoleRank: 5}
		gw.PutMember(drifted)

		var wg sync.WaitGroup
		wg.Add(2)
		var releaseErr error
		go func() {
			defer wg.Done()
			releaseErr = e.Release(context.Background(), "7")
		}()
		go func() {
			defer wg.Done()
			_ = e.OnMemberUpdated(context.Background(), nickname.Member{ID: "7", Nickname: "Bob"}, drifted)
		}()
		wg.Wait()

		if releaseErr != nil {
			t.Fatalf("iteration %d: Release: %v", i, releaseErr)
		}
		if tracked(t, e, "7") {
			t.Fatalf("iteration %d: still tracked", i)
		}
		if got := gw.Nickname("7"); got != "Bobby" {
			t.Fatalf("iteration %d: nickname = %q, want Bobby", i, got)
		}
	}
}
