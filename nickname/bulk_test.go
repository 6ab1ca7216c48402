package nickname_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/testutil"
)

func TestEnforceAllTracksEveryCandidate(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "1001", RoleRank: 5},
		nickname.Member{ID: "1002", RoleRank: 5})
	e, _ := newEngine(t, gw)

	res, err := e.EnforceAll(context.Background(), "Guest")
	if err != nil {
		t.Fatalf("EnforceAll: %v", err)
	}
	if res.Succeeded != 2 || res.Total != 2 {
		t.Fatalf("EnforceAll = (%d, %d), want (2, 2)", res.Succeeded, res.Total)
	}
	for _, id := range []string{"1001", "1002"} {
		if !tracked(t, e, id) {
			t.Errorf("%s not tracked", id)
		}
		if got := gw.Nickname(id); got != "Guest" {
			t.Errorf("%s nickname = %q, want Guest", id, got)
		}
	}
}

func TestEnforceAllWithoutPermissionSucceedsNowhere(t *testing.T) {
	gw := testutil.NewFakeGateway(nickname.Self{ID: "1", RoleRank: 3},
		nickname.Member{ID: "2001", RoleRank: 1},
		nickname.Member{ID: "2002", RoleRank: 2},
		nickname.Member{ID: "2003", RoleRank: 1})
	e, _ := newEngine(t, gw)

	res, err := e.EnforceAll(context.Background(), "Guest")
	if err != nil {
		t.Fatalf("EnforceAll: %v", err)
	}
	if res.Succeeded != 0 || res.Total != 3 || res.Failed != 3 {
		t.Fatalf("EnforceAll = %+v, want 0 of 3 with 3 misses", res)
	}
	if len(gw.Calls()) != 0 {
		t.Errorf("renames issued without permission: %v", gw.Calls())
	}
}

func TestEnforceAllSkipsTrackedAndExcludesOutranked(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "3001", Nickname: "a", RoleRank: 5},
		nickname.Member{ID: "3002", Nickname: "b", RoleRank: 5},
		nickname.Member{ID: "3003", Nickname: "mod", RoleRank: 10},
		nickname.Member{ID: "3004", Nickname: "robot", RoleRank: 1, Bot: true})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "3001", "Custom")

	res, err := e.EnforceAll(context.Background(), "Guest")
	if err != nil {
		t.Fatalf("EnforceAll: %v", err)
	}
	if res.Total != 2 || res.Succeeded != 1 || res.Skipped != 1 {
		t.Fatalf("EnforceAll = %+v, want total 2, succeeded 1, skipped 1", res)
	}
	if got := gw.Nickname("3001"); got != "Custom" {
		t.Errorf("already tracked member renamed to %q", got)
	}
	if got := gw.Nickname("3003"); got != "mod" {
		t.Errorf("outranked member renamed to %q", got)
	}
	if got := gw.Nickname("3004"); got != "robot" {
		t.Errorf("bot renamed to %q", got)
	}
}

func TestEnforceAllAbsorbsCandidateFailures(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "4001", RoleRank: 5},
		nickname.Member{ID: "4002", RoleRank: 5},
		nickname.Member{ID: "4003", RoleRank: 5})
	gw.FailSet("4002", errors.New("429 too many requests"))
	gw.FailMember("4003", errors.New("member left"))
	e, _ := newEngine(t, gw)

	res, err := e.EnforceAll(context.Background(), "Guest")
	if err != nil {
		t.Fatalf("EnforceAll returned %v; candidate failures must not abort the pass", err)
	}
	if res.Succeeded != 1 || res.Failed != 2 || res.Total != 3 {
		t.Fatalf("EnforceAll = %+v, want 1 succeeded, 2 failed of 3", res)
	}
}

func TestEnforceAllRejectsInvalidNickname(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "4101", RoleRank: 5})
	e, _ := newEngine(t, gw)
	if _, err := e.EnforceAll(context.Background(), " "); err == nil {
		t.Fatal("EnforceAll accepted a blank nickname")
	}
	if len(gw.Calls()) != 0 {
		t.Error("renames issued for a blank nickname")
	}
}

func TestReleaseAllRestoresEveryone(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "5001", Nickname: "first", RoleRank: 5},
		nickname.Member{ID: "5002", RoleRank: 5},
		nickname.Member{ID: "5003", Nickname: "untracked", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "5001", "Guest")
	mustEnforce(t, e, "5002", "Guest")

	res, err := e.ReleaseAll(context.Background())
	if err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if res.Succeeded != 2 || res.Skipped != 1 || res.Total != 3 {
		t.Fatalf("ReleaseAll = %+v, want 2 succeeded, 1 skipped of 3", res)
	}
	if got := gw.Nickname("5001"); got != "first" {
		t.Errorf("5001 nickname = %q, want first", got)
	}
	if got := gw.Nickname("5002"); got != "" {
		t.Errorf("5002 nickname = %q, want cleared", got)
	}
	if tracked(t, e, "5001") || tracked(t, e, "5002") {
		t.Error("members still tracked after ReleaseAll")
	}
}

func TestBulkRosterFailureReleasesGate(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "6001", RoleRank: 5})
	gw.FailRoster(errors.New("gateway unavailable"))
	e, _ := newEngine(t, gw)

	_, err := e.EnforceAll(context.Background(), "Guest")
	var gwErr *nickname.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Op != "roster" {
		t.Fatalf("EnforceAll err = %v, want roster GatewayError", err)
	}
	if e.BulkActive() {
		t.Fatal("bulk gate still held after a failed pass")
	}

	gw.FailRoster(nil)
	if _, err := e.EnforceAll(context.Background(), "Guest"); err != nil {
		t.Fatalf("EnforceAll after recovery: %v", err)
	}
}

func TestConcurrentBulkReturnsOperationInProgress(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "7001", RoleRank: 5},
		nickname.Member{ID: "7002", RoleRank: 5})
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	gw.OnSet = func(ctx context.Context, id, nick string) error {
		once.Do(func() { close(started) })
		select {
		case <-unblock:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e, st := newEngine(t, gw, nickname.WithBulkConcurrency(1))

	done := make(chan error, 1)
	go func() {
		_, err := e.EnforceAll(context.Background(), "Guest")
		done <- err
	}()
	<-started

	recsBefore, _ := st.List(context.Background())
	callsBefore := len(gw.Calls())

	if _, err := e.EnforceAll(context.Background(), "Other"); !errors.Is(err, nickname.ErrOperationInProgress) {
		t.Errorf("second EnforceAll err = %v, want ErrOperationInProgress", err)
	}
	if _, err := e.ReleaseAll(context.Background()); !errors.Is(err, nickname.ErrOperationInProgress) {
		t.Errorf("ReleaseAll err = %v, want ErrOperationInProgress", err)
	}
	if _, err := e.Resync(context.Background()); !errors.Is(err, nickname.ErrOperationInProgress) {
		t.Errorf("Resync err = %v, want ErrOperationInProgress", err)
	}

	recsAfter, _ := st.List(context.Background())
	if len(recsAfter) != len(recsBefore) || len(gw.Calls()) != callsBefore {
		t.Error("rejected bulk request mutated state")
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first EnforceAll: %v", err)
	}
	if e.BulkActive() {
		t.Error("bulk gate still held after the pass finished")
	}
}

func TestBulkPanicCountsAsMissAndReleasesGate(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "8001", RoleRank: 5},
		nickname.Member{ID: "8002", RoleRank: 5})
	gw.OnSet = func(ctx context.Context, id, nick string) error {
		if id == "8001" {
			panic("rename exploded")
		}
		return nil
	}
	e, _ := newEngine(t, gw)

	res, err := e.EnforceAll(context.Background(), "Guest")
	if err != nil {
		t.Fatalf("EnforceAll: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 || res.Total != 2 {
		t.Fatalf("EnforceAll = %+v, want 1 succeeded 1 failed", res)
	}
	if e.BulkActive() {
		t.Fatal("bulk gate still held after a panic")
	}

	// The panicking member's lock must have been released too.
	gw.OnSet = nil
	done := make(chan error, 1)
	go func() { done <- e.Release(context.Background(), "8001") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Release after panic: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("per-user lock leaked by a panicking candidate")
	}
}

func TestResyncRestoresDriftedNicknames(t *testing.T) {
	gw := testutil.NewFakeGateway(bot,
		nickname.Member{ID: "9001", Nickname: "a", RoleRank: 5},
		nickname.Member{ID: "9002", Nickname: "b", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "9001", "Guest")
	mustEnforce(t, e, "9002", "Guest")

	// Changed while no events were being received.
	gw.PutMember(nickname.Member{ID: "9001", Nickname: "sneaky", RoleRank: 5})

	res, err := e.Resync(context.Background())
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if res.Total != 2 || res.Succeeded != 1 || res.Skipped != 1 {
		t.Fatalf("Resync = %+v, want 1 corrected 1 skipped of 2", res)
	}
	if got := gw.Nickname("9001"); got != "Guest" {
		t.Errorf("9001 nickname = %q, want Guest", got)
	}
}

type memRecorder struct {
	mu   sync.Mutex
	vals map[string]string
}

func (r *memRecorder) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[key] = value
	return nil
}

func TestBulkSummaryRecorded(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "9101", RoleRank: 5})
	rec := &memRecorder{vals: map[string]string{}}
	e, _ := newEngine(t, gw, nickname.WithSummaryRecorder(rec))

	if _, err := e.EnforceAll(context.Background(), "Guest"); err != nil {
		t.Fatalf("EnforceAll: %v", err)
	}
	raw, ok := rec.vals[nickname.SummaryKey(nickname.OpEnforceAll)]
	if !ok {
		t.Fatal("no summary recorded")
	}
	var got nickname.BulkResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("summary is not JSON: %v", err)
	}
	if got.Op != nickname.OpEnforceAll || got.Total != 1 || got.Succeeded != 1 || got.CorrelationID == "" {
		t.Errorf("summary = %+v", got)
	}
}
