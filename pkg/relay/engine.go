// Package relay runs the two frame pumps of an ACTIVE session.
package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/harunnryd/voxrelay/pkg/transports"
	"github.com/harunnryd/voxrelay/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Engine forwards frames client -> backend and backend -> client, one frame
// at a time per direction. It holds no per-session state.
type Engine struct {
	observer metrics.Observer
}

func NewEngine(observer metrics.Observer) *Engine {
	return &Engine{observer: metrics.OrNoop(observer)}
}

// outcome is how a pump ended.
type outcome struct {
	reason errorsx.ReasonCode
	err    error
}

// Run blocks until both pumps returned. The first pump to end closes the
// session, which unblocks the other one. A session that started closing
// before Run yields its close result without starting the pumps.
func (e *Engine) Run(sess *session.Session) error {
	stream := sess.Backend()
	switch state := sess.State(); {
	case state == session.StateClosing || state == session.StateClosed:
		<-sess.Done()
		return sess.Result().Err
	case stream == nil || state != session.StateActive:
		return errorsx.Errorf(errorsx.ReasonUnknown, "session %s is not active", sess.ID)
	}
	client := sess.Client()
	g, ctx := errgroup.WithContext(sess.Context())
	g.Go(func() error {
		out := e.pumpUpstream(ctx, sess, client, stream)
		e.finish(sess, "upstream", out)
		return out.err
	})
	g.Go(func() error {
		out := e.pumpDownstream(ctx, sess, client, stream)
		e.finish(sess, "downstream", out)
		return out.err
	})
	_ = g.Wait()
	return sess.Result().Err
}

func (e *Engine) finish(sess *session.Session, pump string, out outcome) {
	log := sess.Logger()
	if out.err != nil {
		log.Info("pump_exit", "pump", pump, "reason", string(out.reason), "error", out.err.Error())
	} else {
		log.Info("pump_exit", "pump", pump, "reason", string(out.reason))
	}
	text := ""
	if out.err != nil {
		text = errorsx.CloseText(errorsx.Wrap(out.err, out.reason))
	}
	sess.CloseWithError(out.reason, errorsx.CloseCode(out.reason), text, out.err)
}

// pumpUpstream reads client frames, translates and sends them to the backend.
func (e *Engine) pumpUpstream(ctx context.Context, sess *session.Session, client transports.Conn, stream backend.Stream) outcome {
	log := sess.Logger()
	for {
		if ctx.Err() != nil {
			return outcome{reason: errorsx.ReasonShutdown}
		}
		msg, err := client.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return outcome{reason: errorsx.ReasonClientClosed}
			}
			if ctx.Err() != nil {
				return outcome{reason: errorsx.ReasonShutdown}
			}
			return outcome{reason: errorsx.ReasonTransport, err: err}
		}
		f, err := wire.DecodeClient(sess.Kind, sess.ID, time.Now().UnixNano(), msg)
		if err != nil {
			if errorsx.Reason(err).Recoverable() {
				e.drop(sess, metrics.DirectionUpstream, err)
				continue
			}
			return outcome{reason: errorsx.Reason(err), err: err}
		}
		if err := stream.Send(ctx, f); err != nil {
			if errorsx.HasReason(err, errorsx.ReasonProtocol) {
				e.drop(sess, metrics.DirectionUpstream, err)
				continue
			}
			if ctx.Err() != nil {
				return outcome{reason: errorsx.ReasonShutdown}
			}
			return outcome{reason: errorsx.ReasonTransport, err: err}
		}
		log.Debug("frame_forwarded", "direction", metrics.DirectionUpstream, "frame_kind", string(f.Kind()), "size_bytes", len(msg.Data))
		e.record(sess, metrics.DirectionUpstream, f.Kind(), len(msg.Data))
	}
}

// pumpDownstream pulls backend frames, translates and writes them to the client.
func (e *Engine) pumpDownstream(ctx context.Context, sess *session.Session, client transports.Conn, stream backend.Stream) outcome {
	log := sess.Logger()
	for {
		if ctx.Err() != nil {
			return outcome{reason: errorsx.ReasonShutdown}
		}
		f, err := stream.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return outcome{reason: errorsx.ReasonBackendClosed}
			case errorsx.HasReason(err, errorsx.ReasonBackendRuntime):
				log.Warn("backend_runtime_error", "error", err.Error())
				e.observer.RecordEvent(metrics.NewEvent(metrics.EventBackendError, 1, e.tags(sess, nil)))
				continue
			case errorsx.HasReason(err, errorsx.ReasonProtocol):
				e.drop(sess, metrics.DirectionDownstream, err)
				continue
			case ctx.Err() != nil:
				return outcome{reason: errorsx.ReasonShutdown}
			default:
				return outcome{reason: errorsx.ReasonTransport, err: err}
			}
		}
		if cs, ok := f.(frames.CloseSignal); ok {
			if cs.Code() == errorsx.CloseNormal {
				return outcome{reason: errorsx.ReasonBackendClosed}
			}
			return outcome{reason: errorsx.ReasonTransport, err: errorsx.Errorf(errorsx.ReasonTransport, "backend closed with code %d: %s", cs.Code(), cs.Reason())}
		}
		msgs, err := wire.EncodeBackend(f)
		if err != nil {
			e.drop(sess, metrics.DirectionDownstream, err)
			continue
		}
		size := 0
		for _, msg := range msgs {
			if err := client.WriteMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return outcome{reason: errorsx.ReasonShutdown}
				}
				return outcome{reason: errorsx.ReasonTransport, err: err}
			}
			size += len(msg.Data)
		}
		if ev, ok := f.(frames.TranscriptEvent); ok {
			log.Debug("transcript_relayed", "transcript", redact.Text(ev.Text()), "is_final", ev.IsFinal(), "delivered", len(msgs) > 0)
		}
		if len(msgs) > 0 {
			e.record(sess, metrics.DirectionDownstream, f.Kind(), size)
		}
	}
}

func (e *Engine) drop(sess *session.Session, direction string, err error) {
	sess.Logger().Warn("frame_dropped", "direction", direction, "error", err.Error())
	e.observer.RecordEvent(metrics.NewEvent(metrics.EventProtocolDrop, 1, e.tags(sess, map[string]string{
		metrics.TagDirection: direction,
	})))
}

func (e *Engine) record(sess *session.Session, direction string, kind frames.Kind, size int) {
	e.observer.RecordEvent(metrics.NewEvent(metrics.EventFrameRelayed, float64(size), e.tags(sess, map[string]string{
		metrics.TagDirection: direction,
		metrics.TagFrameKind: string(kind),
	})))
}

func (e *Engine) tags(sess *session.Session, extra map[string]string) map[string]string {
	out := map[string]string{
		metrics.TagSessionID: sess.ID,
		metrics.TagKind:      string(sess.Kind),
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
