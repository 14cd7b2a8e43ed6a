// Package broadcast propagates session-termination signals between
// application contexts that share a medium: an in-process Hub, or Redis for
// contexts living in different processes.
//
// A context never receives the signals it published itself. Delivery is
// best-effort and at-least-once, so receivers must treat duplicates as
// harmless.
package broadcast

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Kind identifies what a Signal announces.
type Kind string

const (
	// KindLogout means the session ended: a user logout or an unrecoverable
	// renewal failure in the publishing context.
	KindLogout Kind = "logout"
)

// Fixed names of the marker key and the notification channel on a shared
// medium.
const (
	DefaultKey     = "auth:logout-event"
	DefaultChannel = "auth:logout"
)

// Signal is the timestamped marker written to the shared medium.
type Signal struct {
	Kind   Kind      `json:"kind"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// LogoutSignal builds a logout marker.
func LogoutSignal(origin string, at time.Time) Signal {
	return Signal{Kind: KindLogout, Origin: origin, At: at}
}

// Broadcaster is the publish/subscribe capability of one context.
type Broadcaster interface {
	// Origin identifies this context on the medium.
	Origin() string
	// Publish writes s to the medium, stamped with this context's origin.
	Publish(ctx context.Context, s Signal) error
	// Subscribe registers fn for signals from other contexts. The returned
	// func removes the registration.
	Subscribe(fn func(Signal)) func()
	// Close stops delivery and releases the medium.
	Close() error
}

type subscribers struct {
	mu     sync.RWMutex
	fns    []subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn func(Signal)
}

func (s *subscribers) add(fn func(Signal)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fns = slices.DeleteFunc(s.fns, func(sub subscriber) bool { return sub.id == id })
	}
}

func (s *subscribers) deliver(sig Signal) {
	s.mu.RLock()
	fns := slices.Clone(s.fns)
	s.mu.RUnlock()

	for _, sub := range fns {
		sub.fn(sig)
	}
}
