package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
)

// Registry tracks live sessions across the process.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add tracks a session. It refuses new sessions while draining.
func (r *Registry) Add(sess *Session) error {
	if sess == nil {
		return errorsx.New(errorsx.ReasonUnknown, "nil session")
	}
	if r.draining.Load() {
		return errorsx.New(errorsx.ReasonShutdown, "relay is draining")
	}
	if _, loaded := r.sessions.LoadOrStore(sess.ID, sess); loaded {
		return errorsx.Errorf(errorsx.ReasonUnknown, "session %s already registered", sess.ID)
	}
	r.count.Add(1)
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *Registry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every tracked session with reason. Sessions remove
// themselves once their owner observes CLOSED.
func (r *Registry) CloseAll(reason errorsx.ReasonCode) {
	code := errorsx.CloseCode(reason)
	r.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*Session); ok {
			sess.Close(reason, code, string(reason))
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
