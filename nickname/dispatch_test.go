package nickname_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/testutil"
)

type recordingHandler struct {
	mu      sync.Mutex
	seen    map[string][]int
	total   int
	panicOn string
	done    chan struct{}
	want    int
}

func newRecordingHandler(want int) *recordingHandler {
	return &recordingHandler{seen: map[string][]int{}, done: make(chan struct{}), want: want}
}

func (h *recordingHandler) record(m nickname.Member) {
	if m.ID == h.panicOn {
		h.mu.Lock()
		h.panicOn = ""
		h.mu.Unlock()
		defer h.count()
		panic("handler exploded")
	}
	seq, _ := strconv.Atoi(m.Nickname)
	h.mu.Lock()
	h.seen[m.ID] = append(h.seen[m.ID], seq)
	h.mu.Unlock()
	h.count()
}

func (h *recordingHandler) count() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	if h.total == h.want {
		close(h.done)
	}
}

func (h *recordingHandler) OnMemberUpdated(_ context.Context, _, after nickname.Member) error {
	h.record(after)
	return nil
}

func (h *recordingHandler) OnMemberJoined(_ context.Context, m nickname.Member) error {
	h.record(m)
	return nil
}

func runDispatcher(t *testing.T, d *nickname.Dispatcher) (context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	return ctx, func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func TestDispatcherPreservesPerMemberOrder(t *testing.T) {
	const members, perMember = 5, 40
	h := newRecordingHandler(members * perMember)
	d := nickname.NewDispatcher(h, 4, 8)
	ctx, stop := runDispatcher(t, d)
	defer stop()

	for seq := 0; seq < perMember; seq++ {
		for m := 0; m < members; m++ {
			ev := nickname.Member{ID: strconv.Itoa(100 + m), Nickname: strconv.Itoa(seq)}
			var err error
			if seq%5 == 0 {
				err = d.MemberJoined(ctx, ev)
			} else {
				err = d.MemberUpdated(ctx, nickname.Member{ID: ev.ID}, ev)
			}
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("events not handled in time")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, seqs := range h.seen {
		if len(seqs) != perMember {
			t.Errorf("member %s: handled %d events, want %d", id, len(seqs), perMember)
		}
		for i, s := range seqs {
			if s != i {
				t.Fatalf("member %s: event %d handled out of order (got seq %d)", id, i, s)
			}
		}
	}
}

func TestDispatcherSurvivesHandlerPanic(t *testing.T) {
	h := newRecordingHandler(2)
	h.panicOn = "7"
	d := nickname.NewDispatcher(h, 1, 4)
	ctx, stop := runDispatcher(t, d)
	defer stop()

	_ = d.MemberJoined(ctx, nickname.Member{ID: "7", Nickname: "0"})
	_ = d.MemberJoined(ctx, nickname.Member{ID: "8", Nickname: "0"})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after a handler panic")
	}
}

func TestDispatcherEnqueueAfterCancel(t *testing.T) {
	d := nickname.NewDispatcher(newRecordingHandler(1), 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.MemberUpdated(ctx, nickname.Member{ID: "7"}, nickname.Member{ID: "7"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("MemberUpdated err = %v, want context.Canceled", err)
	}
}

func TestDispatcherDrivesEngineCorrections(t *testing.T) {
	gw := testutil.NewFakeGateway(bot, nickname.Member{ID: "7", Nickname: "Bobby", RoleRank: 5})
	e, _ := newEngine(t, gw)
	mustEnforce(t, e, "7", "Bob")

	d := nickname.NewDispatcher(e, 2, 4)
	ctx, stop := runDispatcher(t, d)
	defer stop()

	drifted := nickname.Member{ID: "7", Nickname: "Drift", RoleRank: 5}
	gw.PutMember(drifted)
	if err := d.MemberUpdated(ctx, nickname.Member{ID: "7", Nickname: "Bob"}, drifted); err != nil {
		t.Fatalf("MemberUpdated: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for gw.Nickname("7") != "Bob" {
		if time.Now().After(deadline) {
			t.Fatalf("nickname = %q, correction never applied", gw.Nickname("7"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
