package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
)

const ProviderName = "mock"

var errStreamClosed = errors.New("mock stream closed")

// Responder turns one sent frame into zero or more backend frames.
type Responder func(sessionID string, f frames.Frame) []frames.Frame

type Config struct {
	// ConnectErr fails every Connect when set.
	ConnectErr error
	// ConnectDelay holds Connect until it elapses or ctx ends.
	ConnectDelay time.Duration
	Responder    Responder
}

// Connector hands out in-memory streams and keeps them for inspection.
type Connector struct {
	cfg       Config
	connected chan *Stream
	attempts  atomic.Int32

	mu      sync.Mutex
	streams []*Stream
}

func New(cfg Config) *Connector {
	return &Connector{cfg: cfg, connected: make(chan *Stream, 64)}
}

func (c *Connector) Name() string { return ProviderName }

func (c *Connector) Connect(ctx context.Context, opts backend.Options) (backend.Stream, error) {
	c.attempts.Add(1)
	if c.cfg.ConnectDelay > 0 {
		t := time.NewTimer(c.cfg.ConnectDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, errorsx.Errorf(errorsx.ReasonConnectionSetup, "mock connect: %w", ctx.Err())
		}
	}
	if c.cfg.ConnectErr != nil {
		return nil, errorsx.Wrap(c.cfg.ConnectErr, errorsx.ReasonConnectionSetup)
	}
	s := &Stream{
		opts:      opts,
		responder: c.cfg.Responder,
		out:       make(chan item, 64),
		finished:  make(chan struct{}),
		closed:    make(chan struct{}),
		notify:    make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	select {
	case c.connected <- s:
	default:
	}
	return s, nil
}

// Attempts counts Connect calls, successful or not.
func (c *Connector) Attempts() int { return int(c.attempts.Load()) }

// Streams returns every stream handed out so far.
func (c *Connector) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// Connected yields streams as they are created.
func (c *Connector) Connected() <-chan *Stream { return c.connected }

type item struct {
	frame frames.Frame
	err   error
}

// Stream is a scripted backend stream.
type Stream struct {
	opts      backend.Options
	responder Responder
	out       chan item

	finishOnce sync.Once
	finished   chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
	closes     atomic.Int32

	mu     sync.Mutex
	sent   []frames.Frame
	notify chan struct{}
}

func (s *Stream) Options() backend.Options { return s.opts }

func (s *Stream) Send(ctx context.Context, f frames.Frame) error {
	if s.isClosed() {
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	if s.responder != nil {
		for _, out := range s.responder(s.opts.SessionID, f) {
			s.Emit(out)
		}
	}
	return nil
}

func (s *Stream) Recv(ctx context.Context) (frames.Frame, error) {
	select {
	case it := <-s.out:
		return it.frame, it.err
	case <-s.finished:
		select {
		case it := <-s.out:
			return it.frame, it.err
		default:
			return nil, io.EOF
		}
	case <-s.closed:
		return nil, errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Emit queues a backend frame for Recv.
func (s *Stream) Emit(f frames.Frame) {
	s.push(item{frame: f})
}

// EmitError queues an error for Recv.
func (s *Stream) EmitError(err error) {
	s.push(item{err: err})
}

// Finish simulates the backend ending the stream; Recv drains queued
// frames and then returns io.EOF.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() { close(s.finished) })
}

func (s *Stream) push(it item) {
	select {
	case s.out <- it:
	case <-s.closed:
	}
}

// Sent returns a snapshot of frames received from the relay.
func (s *Stream) Sent() []frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.Frame(nil), s.sent...)
}

// WaitSent blocks until at least n frames were sent or ctx ends.
func (s *Stream) WaitSent(ctx context.Context, n int) []frames.Frame {
	for {
		sent := s.Sent()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return sent
		}
	}
}

// CloseCalls counts Close invocations, including no-op repeats.
func (s *Stream) CloseCalls() int { return int(s.closes.Load()) }

func (s *Stream) Closed() <-chan struct{} { return s.closed }

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// EchoResponder acknowledges audio with a final transcript and mirrors
// envelopes back as synthesis, for local runs without vendor credentials.
func EchoResponder(sessionID string, f frames.Frame) []frames.Frame {
	meta := map[string]string{frames.MetaSource: frames.SourceBackend, frames.MetaProvider: ProviderName}
	switch v := f.(type) {
	case frames.AudioChunk:
		text := fmt.Sprintf("received %d bytes", v.Len())
		return []frames.Frame{frames.NewTranscriptEvent(sessionID, time.Now().UnixNano(), text, true, meta)}
	case frames.ControlEnvelope:
		raw, err := v.DecodedData()
		if err != nil {
			return nil
		}
		if strings.HasPrefix(v.MIMEType(), "text/") {
			return []frames.Frame{frames.NewSynthesisEvent(sessionID, time.Now().UnixNano(), nil, string(raw), meta)}
		}
		return []frames.Frame{frames.NewSynthesisEvent(sessionID, time.Now().UnixNano(), raw, "", meta)}
	default:
		return nil
	}
}

var (
	_ backend.Connector = (*Connector)(nil)
	_ backend.Stream    = (*Stream)(nil)
)
