package credential

import (
	"slices"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// DefaultRenewalMargin is how long before expiry the renewal timer fires.
const DefaultRenewalMargin = 5 * time.Minute

// EventKind identifies a Holder mutation.
type EventKind int

const (
	EventSet EventKind = iota
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event is delivered to Holder listeners after every effective mutation.
type Event struct {
	Kind       EventKind
	Credential *Credential // nil for EventCleared
	Previous   *Credential
}

// Holder owns the current access credential of one application context.
//
// There is at most one live credential; Set supersedes the previous one and
// re-arms the renewal timer, Clear drops it and cancels the timer.
type Holder struct {
	mu        sync.RWMutex
	current   *Credential
	gen       uint64
	margin    time.Duration
	clock     Clock
	scheduler *Scheduler
	logger    zerolog.Logger

	hooksMu    sync.Mutex
	renewalDue func()
	listeners  []listener
	nextID     uint64
}

type listener struct {
	id uint64
	fn func(Event)
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithMargin sets how long before expiry renewal is scheduled.
func WithMargin(margin time.Duration) HolderOption {
	return func(h *Holder) {
		h.margin = margin
	}
}

// WithClock replaces the wall clock (primarily for testing).
func WithClock(clock Clock) HolderOption {
	return func(h *Holder) {
		h.clock = clock
	}
}

// WithRenewalDue registers the callback fired by the renewal timer.
func WithRenewalDue(fn func()) HolderOption {
	return func(h *Holder) {
		h.renewalDue = fn
	}
}

// WithLogger sets the logger used by the holder.
func WithLogger(logger zerolog.Logger) HolderOption {
	return func(h *Holder) {
		h.logger = logger
	}
}

// NewHolder creates an empty Holder.
func NewHolder(options ...HolderOption) *Holder {
	h := &Holder{
		margin: DefaultRenewalMargin,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(h)
	}
	if h.clock == nil {
		h.clock = SystemClock{}
	}
	if h.margin < 0 {
		h.margin = 0
	}
	h.scheduler = NewScheduler(h.clock, h.onRenewalDue)
	return h
}

// OnRenewalDue replaces the callback fired by the renewal timer.
func (h *Holder) OnRenewalDue(fn func()) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.renewalDue = fn
}

// OnChange registers fn to be called after every Set and every effective
// Clear. Callbacks run on the mutating goroutine, outside the holder lock.
// The returned func removes the registration.
func (h *Holder) OnChange(fn func(Event)) func() {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener{id: id, fn: fn})

	return func() {
		h.hooksMu.Lock()
		defer h.hooksMu.Unlock()
		h.listeners = slices.DeleteFunc(h.listeners, func(l listener) bool { return l.id == id })
	}
}

// Get returns the current credential.
func (h *Holder) Get() (*Credential, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return nil, false
	}
	cred := *h.current
	return &cred, true
}

// Raw returns the current bearer secret or "".
func (h *Holder) Raw() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return ""
	}
	return h.current.Raw
}

// Snapshot returns the current bearer secret (or "") together with the
// holder generation. The generation changes on every Set and every effective
// Clear.
func (h *Holder) Snapshot() (string, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return "", h.gen
	}
	return h.current.Raw, h.gen
}

// Set replaces the current credential and re-arms the renewal timer at
// expiry minus the margin. When that delay is not positive no timer is armed
// and renewal is left to the reactive 401 path. An empty raw clears.
func (h *Holder) Set(raw string) *Credential {
	if raw == "" {
		h.Clear()
		return nil
	}

	cred := Decode(raw)

	h.mu.Lock()
	prev := h.current
	h.current = &cred
	h.gen++
	delay := time.Duration(0)
	if cred.HasExpiry() {
		delay = cred.ExpiresAt.Sub(h.clock.Now()) - h.margin
	}
	armed := h.scheduler.Arm(delay)
	h.mu.Unlock()

	event := h.logger.Debug().Str("subject", cred.Subject).Bool("renewal_armed", armed)
	if armed {
		event = event.Dur("renew_in", delay)
	}
	event.Msg("credential set")

	out := cred
	h.notify(Event{Kind: EventSet, Credential: &out, Previous: prev})
	return &out
}

// Clear removes the current credential and cancels the renewal timer.
// Clearing an empty holder is a no-op.
func (h *Holder) Clear() {
	h.mu.Lock()
	prev := h.current
	h.current = nil
	if prev != nil {
		h.gen++
	}
	h.scheduler.Cancel()
	h.mu.Unlock()

	if prev == nil {
		return
	}
	h.logger.Debug().Str("subject", prev.Subject).Msg("credential cleared")
	h.notify(Event{Kind: EventCleared, Previous: prev})
}

// RenewalDeadline returns when the renewal timer fires, or the zero time.
func (h *Holder) RenewalDeadline() time.Time {
	return h.scheduler.Deadline()
}

// RenewalArmed reports whether a renewal timer is pending.
func (h *Holder) RenewalArmed() bool {
	return h.scheduler.Armed()
}

// Role returns the role claim of the current credential. It is an
// unverified hint for UI gating, never an authorization decision.
func (h *Holder) Role() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return ""
	}
	return h.current.Role
}

// HasRole reports whether the current credential claims role.
func (h *Holder) HasRole(role string) bool {
	current := h.Role()
	return current != "" && current == role
}

// HasAnyRole reports whether the current credential claims one of roles.
func (h *Holder) HasAnyRole(roles ...string) bool {
	current := h.Role()
	return current != "" && slices.Contains(roles, current)
}

// Token implements oauth2.TokenSource over the held credential.
func (h *Holder) Token() (*oauth2.Token, error) {
	cred, ok := h.Get()
	if !ok {
		return nil, autherrors.ErrNoCredential
	}
	return &oauth2.Token{
		AccessToken: cred.Raw,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}

var _ oauth2.TokenSource = (*Holder)(nil)

func (h *Holder) onRenewalDue() {
	h.hooksMu.Lock()
	fn := h.renewalDue
	h.hooksMu.Unlock()

	h.logger.Debug().Msg("credential renewal due")
	if fn != nil {
		fn()
	}
}

func (h *Holder) notify(e Event) {
	h.hooksMu.Lock()
	listeners := slices.Clone(h.listeners)
	h.hooksMu.Unlock()

	for _, l := range listeners {
		l.fn(e)
	}
}
