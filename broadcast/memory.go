package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/autherrors"
)

const memberBufferSize = 16

// Hub is an in-process medium. Every context joins it and gets its own
// Broadcaster; a published signal is queued for every other member.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Member
	last    *Signal
	nowFunc func() time.Time
}

// NewHub creates an empty medium.
func NewHub() *Hub {
	return &Hub{
		members: make(map[string]*Member),
		nowFunc: time.Now,
	}
}

// Join adds a new context to the hub.
func (h *Hub) Join() *Member {
	m := &Member{
		hub:    h,
		origin: uuid.New().String(),
		ch:     make(chan Signal, memberBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.members[m.origin] = m
	h.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	return m
}

// Last returns the most recent marker written to the hub.
func (h *Hub) Last() (Signal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Signal{}, false
	}
	return *h.last, true
}

func (h *Hub) publish(ctx context.Context, s Signal) error {
	h.mu.Lock()
	h.last = &s
	targets := make([]*Member, 0, len(h.members))
	for origin, m := range h.members {
		if origin != s.Origin {
			targets = append(targets, m)
		}
	}
	h.mu.Unlock()

	// a member that cannot take the signal does not keep it from the others
	var errs []error
	for _, m := range targets {
		if err := m.enqueue(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) leave(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, m.origin)
}

// Member is one context's view of a Hub.
type Member struct {
	hub       *Hub
	origin    string
	subs      subscribers
	ch        chan Signal
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Broadcaster = (*Member)(nil)

func (m *Member) Origin() string {
	return m.origin
}

func (m *Member) Publish(ctx context.Context, s Signal) error {
	select {
	case <-m.done:
		return autherrors.ErrClosed
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.Origin = m.origin
	if s.At.IsZero() {
		s.At = m.hub.nowFunc()
	}
	return m.hub.publish(ctx, s)
}

func (m *Member) Subscribe(fn func(Signal)) func() {
	return m.subs.add(fn)
}

func (m *Member) Close() error {
	m.closeOnce.Do(func() {
		m.hub.leave(m)
		close(m.done)
		m.wg.Wait()
	})
	return nil
}

func (m *Member) enqueue(ctx context.Context, s Signal) error {
	select {
	case m.ch <- s:
		return nil
	default:
	}
	select {
	case m.ch <- s:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Member) run() {
	defer m.wg.Done()

	for {
		select {
		case s := <-m.ch:
			m.subs.deliver(s)
		case <-m.done:
			return
		}
	}
}
