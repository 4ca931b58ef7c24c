package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/transports/mock"
)

type stubStream struct {
	closes atomic.Int32
}

func (s *stubStream) Send(ctx context.Context, f frames.Frame) error { return nil }
func (s *stubStream) Recv(ctx context.Context) (frames.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *stubStream) Close() error {
	s.closes.Add(1)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []StateChange
}

func (r *recorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func statesOf(history []StateChange) []State {
	out := []State{StateInit}
	for _, ev := range history {
		out = append(out, ev.ToState)
	}
	return out
}

func isPrefixOfLifecycle(states []State) bool {
	happy := []State{StateInit, StateConnecting, StateActive, StateClosing, StateClosed}
	failed := []State{StateInit, StateConnecting, StateClosing, StateClosed}
	match := func(path []State) bool {
		if len(states) > len(path) {
			return false
		}
		for i := range states {
			if states[i] != path[i] {
				return false
			}
		}
		return true
	}
	return match(happy) || match(failed)
}

func TestSessionHappyPath(t *testing.T) {
	conn := mock.New()
	rec := &recorder{}
	sess := New(backend.KindTranscription, conn, nil, rec)
	if sess.ID == "" {
		t.Fatalf("expected session id")
	}
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	stream := &stubStream{}
	if err := sess.Activate(stream); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", sess.State())
	}
	sess.Close(errorsx.ReasonClientClosed, errorsx.CloseNormal, "")

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected done to be closed")
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
	if sess.Context().Err() == nil {
		t.Fatalf("expected session context to be cancelled")
	}
	got := statesOf(sess.History())
	want := []State{StateInit, StateConnecting, StateActive, StateClosing, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("unexpected history %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected history %v", got)
		}
	}
	if len(rec.events) != 4 {
		t.Fatalf("expected 4 listener events, got %d", len(rec.events))
	}
	if stream.closes.Load() != 1 {
		t.Fatalf("expected backend closed once, got %d", stream.closes.Load())
	}
	code, _, ok := conn.Closed()
	if !ok || code != errorsx.CloseNormal {
		t.Fatalf("expected client closed with 1000, got %d %v", code, ok)
	}
}

func TestSessionSetupFailurePath(t *testing.T) {
	conn := mock.New()
	sess := New(backend.KindLiveAudio, conn, nil)
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	sess.Close(errorsx.ReasonConnectionSetup, errorsx.CloseInternalError, "connection_setup: refused")

	got := statesOf(sess.History())
	want := []State{StateInit, StateConnecting, StateClosing, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("unexpected history %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected history %v", got)
		}
	}
	code, reason, _ := conn.Closed()
	if code != 1011 || reason != "connection_setup: refused" {
		t.Fatalf("unexpected close %d %q", code, reason)
	}
	res := sess.Result()
	if res.Reason != errorsx.ReasonConnectionSetup || res.Code != 1011 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSessionCloseFromInitPassesThroughConnecting(t *testing.T) {
	sess := New(backend.KindTranscription, mock.New(), nil)
	sess.Close(errorsx.ReasonShutdown, errorsx.CloseGoingAway, "shutdown")
	got := statesOf(sess.History())
	if !isPrefixOfLifecycle(got) || got[len(got)-1] != StateClosed {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestSessionInvalidTransitionChangesNothing(t *testing.T) {
	sess := New(backend.KindTranscription, mock.New(), nil)
	stream := &stubStream{}
	err := sess.Activate(stream)
	if _, ok := err.(*InvalidTransitionError); !ok {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	if sess.State() != StateInit {
		t.Fatalf("expected INIT, got %s", sess.State())
	}
	if stream.closes.Load() != 1 {
		t.Fatalf("expected rejected stream to be closed")
	}
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := sess.Begin(); err == nil {
		t.Fatalf("expected second begin to fail")
	}
}

func TestSessionCloseIsIdempotentUnderConcurrency(t *testing.T) {
	conn := mock.New()
	sess := New(backend.KindTranscription, conn, nil)
	_ = sess.Begin()
	stream := &stubStream{}
	_ = sess.Activate(stream)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				sess.Close(errorsx.ReasonClientClosed, errorsx.CloseNormal, "")
				return
			}
			sess.Close(errorsx.ReasonTransport, errorsx.CloseInternalError, "transport")
		}(i)
	}
	wg.Wait()

	if stream.closes.Load() != 1 {
		t.Fatalf("expected backend closed exactly once, got %d", stream.closes.Load())
	}
	if conn.CloseCalls() != 1 {
		t.Fatalf("expected client closed exactly once, got %d", conn.CloseCalls())
	}
	closed := 0
	for _, ev := range sess.History() {
		if ev.ToState == StateClosed {
			closed++
		}
	}
	if closed != 1 {
		t.Fatalf("expected a single CLOSED transition, got %d", closed)
	}
	if !isPrefixOfLifecycle(statesOf(sess.History())) {
		t.Fatalf("history left the lifecycle paths: %v", statesOf(sess.History()))
	}
}

func TestTransitionTable(t *testing.T) {
	if transitionValid(StateActive, StateConnecting) {
		t.Fatalf("expected ACTIVE -> CONNECTING to be rejected")
	}
	if transitionValid(StateClosed, StateClosing) {
		t.Fatalf("expected CLOSED to be terminal")
	}
	if !transitionValid(StateConnecting, StateClosing) {
		t.Fatalf("expected setup failure edge")
	}
	if !StateClosed.Terminal() || StateClosing.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
