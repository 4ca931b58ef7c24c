package errorsx

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonTransport)
	if Reason(err) != ReasonTransport {
		t.Fatalf("expected reason %s, got %s", ReasonTransport, Reason(err))
	}
	if !HasReason(err, ReasonTransport) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonConnectionSetup)
	second := Wrap(fmt.Errorf("connect: %w", first), ReasonTransport)
	if Reason(second) != ReasonConnectionSetup {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestErrorfKeepsChain(t *testing.T) {
	base := errors.New("dial refused")
	err := Errorf(ReasonConnectionSetup, "gemini dial: %w", base)
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to match base")
	}
	if Reason(err) != ReasonConnectionSetup {
		t.Fatalf("expected connection_setup, got %s", Reason(err))
	}
}

func TestCloseCode(t *testing.T) {
	cases := map[ReasonCode]int{
		ReasonClientClosed:    CloseNormal,
		ReasonBackendClosed:   CloseNormal,
		ReasonShutdown:        CloseGoingAway,
		ReasonConfiguration:   CloseInternalError,
		ReasonConnectionSetup: CloseInternalError,
		ReasonTransport:       CloseInternalError,
	}
	for reason, want := range cases {
		if got := CloseCode(reason); got != want {
			t.Fatalf("%s: expected %d, got %d", reason, want, got)
		}
	}
}

func TestCloseTextFitsControlFrame(t *testing.T) {
	err := New(ReasonConfiguration, strings.Repeat("x", 400))
	text := CloseText(err)
	if len(text) > maxCloseReason {
		t.Fatalf("expected at most %d bytes, got %d", maxCloseReason, len(text))
	}
	if !strings.HasPrefix(text, "configuration: ") {
		t.Fatalf("expected failure class prefix, got %q", text)
	}
}

func TestRecoverable(t *testing.T) {
	if !ReasonProtocol.Recoverable() || !ReasonBackendRuntime.Recoverable() {
		t.Fatalf("expected protocol and backend_runtime to be recoverable")
	}
	if ReasonTransport.Recoverable() {
		t.Fatalf("expected transport to be fatal")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
