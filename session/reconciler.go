// Package session turns credential and pipeline outcomes into the single
// current identity of an application context.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/jrsteele09/go-auth-client/credential"
	"github.com/jrsteele09/go-auth-client/identity"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// State of a Reconciler.
type State int

const (
	Uninitialized State = iota
	Resolving
	Authenticated
	Anonymous
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Resolving:
		return "resolving"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Service is the part of the identity service the reconciler drives.
type Service interface {
	Login(ctx context.Context, creds identity.Credentials) (*identity.Grant, error)
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	FetchIdentity(ctx context.Context) (*identity.Identity, error)
}

var _ Service = (*identity.Client)(nil)

// Renewer resumes a session from the ambient renewal secret, storing the new
// credential in the holder. It must share the single in-flight renewal of the
// request pipeline, and its failure must not end other contexts' sessions.
type Renewer interface {
	Resume(ctx context.Context) error
}

// Reconciler is the session state machine of one application context.
type Reconciler struct {
	holder      *credential.Holder
	service     Service
	renewer     Renewer
	broadcaster broadcast.Broadcaster
	logger      zerolog.Logger
	nowFunc     func() time.Time

	mu       sync.RWMutex
	state    State
	identity *identity.Identity
	// raw credential the current identity was resolved for
	boundToken string
	// bumped on every transition so late results of superseded work are dropped
	epoch uint64

	listenersMu sync.Mutex
	listeners   []func(State, *identity.Identity)

	refetch      singleflight.Group
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubscribes []func()
	closeOnce    sync.Once
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBroadcaster sets the medium logout signals are exchanged on.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(r *Reconciler) {
		r.broadcaster = b
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithNowFunc sets the clock used to stamp logout signals.
func WithNowFunc(nowFunc func() time.Time) Option {
	return func(r *Reconciler) {
		r.nowFunc = nowFunc
	}
}

// NewReconciler starts in Uninitialized and follows holder and broadcaster
// events until Close.
func NewReconciler(holder *credential.Holder, service Service, renewer Renewer, opts ...Option) (*Reconciler, error) {
	if holder == nil {
		return nil, errors.New("[NewReconciler] credential holder required")
	}
	if service == nil {
		return nil, errors.New("[NewReconciler] identity service required")
	}
	if renewer == nil {
		return nil, errors.New("[NewReconciler] renewer required")
	}

	r := &Reconciler{
		holder:  holder,
		service: service,
		renewer: renewer,
		logger:  log.Logger,
		nowFunc: time.Now,
		state:   Uninitialized,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.unsubscribes = append(r.unsubscribes, holder.OnChange(r.onCredentialChange))
	if r.broadcaster != nil {
		r.unsubscribes = append(r.unsubscribes, r.broadcaster.Subscribe(r.onSignal))
	}
	return r, nil
}

// OnStateChange registers fn to run after every transition and every
// identity refresh. fn runs outside the reconciler's locks.
func (r *Reconciler) OnStateChange(fn func(State, *identity.Identity)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// CurrentIdentity returns a copy of the resolved identity, if any.
func (r *Reconciler) CurrentIdentity() (*identity.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil, false
	}
	id := *r.identity
	return &id, true
}

// IsResolving is true until the first activation settles and while a login
// or activation is in progress.
func (r *Reconciler) IsResolving() bool {
	s := r.State()
	return s == Uninitialized || s == Resolving
}

// Activate resolves the session on first use. With no credential held, a
// silent renewal is attempted first; the identity is then fetched for the
// held credential. Later calls do nothing. A missing or rejected session ends
// in Anonymous and is not an error. A network failure ends in Anonymous too,
// is returned, and leaves any held credential in place.
func (r *Reconciler) Activate(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Uninitialized {
		r.mu.Unlock()
		return nil
	}
	epoch := r.transitionLocked(Resolving, nil, "")
	r.mu.Unlock()
	r.notify()

	if r.holder.Raw() == "" {
		if err := r.renewer.Resume(ctx); err != nil {
			return r.activationFailed(epoch, err)
		}
	}

	id, err := r.service.FetchIdentity(ctx)
	if err != nil {
		return r.activationFailed(epoch, err)
	}
	raw := r.holder.Raw()
	if raw == "" {
		return r.activationFailed(epoch, autherrors.ErrNoCredential)
	}
	if !r.settle(epoch, Authenticated, id, raw) {
		return nil
	}
	r.logger.Info().Str("user", id.Email).Msg("session resumed")
	return nil
}

func (r *Reconciler) activationFailed(epoch uint64, err error) error {
	rejected := isRejection(err)
	r.logger.Debug().Err(err).Bool("rejected", rejected).Msg("no session to resume")
	if r.settle(epoch, Anonymous, nil, "") && rejected {
		r.holder.Clear()
	}
	if rejected {
		return nil
	}
	return err
}

// SubmitLogin logs in with creds. On failure the held credential is cleared
// and the state is Anonymous.
func (r *Reconciler) SubmitLogin(ctx context.Context, creds identity.Credentials) (*identity.Identity, error) {
	r.mu.Lock()
	epoch := r.transitionLocked(Resolving, nil, "")
	r.mu.Unlock()
	r.notify()

	grant, err := r.service.Login(ctx, creds)
	if err != nil {
		r.holder.Clear()
		r.settle(epoch, Anonymous, nil, "")
		return nil, err
	}

	// a completed login wins over whatever happened while it was in flight
	r.holder.Set(grant.AccessToken)
	r.mu.Lock()
	r.transitionLocked(Authenticated, &grant.User, grant.AccessToken)
	r.mu.Unlock()
	r.notify()
	r.logger.Info().Str("user", grant.User.Email).Msg("logged in")

	id := grant.User
	return &id, nil
}

// RequestLogout ends the server session. The local session ends and the
// logout signal is published whether or not the server call succeeds; the
// server error is still returned.
func (r *Reconciler) RequestLogout(ctx context.Context) error {
	return r.logout(ctx, r.service.Logout)
}

// RequestLogoutAll ends every server session of the user, then behaves like
// RequestLogout.
func (r *Reconciler) RequestLogoutAll(ctx context.Context) error {
	return r.logout(ctx, r.service.LogoutAll)
}

// Close stops following holder and broadcaster events.
func (r *Reconciler) Close() error {
	r.closeOnce.Do(func() {
		for _, unsubscribe := range r.unsubscribes {
			unsubscribe()
		}
		r.cancel()
		r.wg.Wait()
	})
	return nil
}

func (r *Reconciler) logout(ctx context.Context, call func(context.Context) error) error {
	err := call(ctx)
	if err != nil {
		r.logger.Err(err).Msg("server logout failed, clearing local session anyway")
	}

	r.endLocally()

	if r.broadcaster != nil {
		signal := broadcast.LogoutSignal(r.broadcaster.Origin(), r.nowFunc())
		if pubErr := r.broadcaster.Publish(context.WithoutCancel(ctx), signal); pubErr != nil {
			r.logger.Err(pubErr).Msg("failed to publish logout signal")
		}
	}
	return err
}

// onCredentialChange keeps the identity in step with credentials replaced or
// cleared outside the reconciler, such as by a pipeline renewal.
func (r *Reconciler) onCredentialChange(e credential.Event) {
	switch e.Kind {
	case credential.EventCleared:
		r.mu.Lock()
		if r.state != Authenticated {
			r.mu.Unlock()
			return
		}
		r.transitionLocked(Anonymous, nil, "")
		r.mu.Unlock()
		r.logger.Info().Msg("credential cleared, session ended")
		r.notify()

	case credential.EventSet:
		r.mu.Lock()
		if r.state != Authenticated || e.Credential.Raw == r.boundToken {
			r.mu.Unlock()
			return
		}
		r.boundToken = e.Credential.Raw
		epoch := r.epoch
		r.mu.Unlock()

		// off the holder's call path: the fetch may itself need the pipeline
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.refetchIdentity(epoch)
		}()
	}
}

func (r *Reconciler) refetchIdentity(epoch uint64) {
	v, err, _ := r.refetch.Do("identity", func() (any, error) {
		return r.service.FetchIdentity(r.ctx)
	})
	if err != nil {
		if !autherrors.IsTerminal(err) && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("identity refetch failed, keeping previous identity")
		}
		return
	}

	r.mu.Lock()
	if r.epoch != epoch || r.state != Authenticated {
		r.mu.Unlock()
		return
	}
	r.identity = v.(*identity.Identity)
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) onSignal(s broadcast.Signal) {
	if s.Kind != broadcast.KindLogout {
		return
	}
	r.logger.Info().Str("origin", s.Origin).Msg("logout signal received")

	r.endLocally()
}

// endLocally clears the credential and moves to Anonymous from any state.
func (r *Reconciler) endLocally() {
	r.holder.Clear()

	r.mu.Lock()
	changed := r.state != Anonymous || r.identity != nil
	r.transitionLocked(Anonymous, nil, "")
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// settle applies the outcome of work started at epoch, unless the session
// moved on meanwhile.
func (r *Reconciler) settle(epoch uint64, state State, id *identity.Identity, raw string) bool {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return false
	}
	r.transitionLocked(state, id, raw)
	r.mu.Unlock()
	r.notify()
	return true
}

func (r *Reconciler) transitionLocked(state State, id *identity.Identity, raw string) uint64 {
	if r.state != state {
		r.logger.Debug().Stringer("from", r.state).Stringer("to", state).Msg("session transition")
	}
	r.state = state
	r.identity = id
	r.boundToken = raw
	r.epoch++
	return r.epoch
}

func (r *Reconciler) notify() {
	r.mu.RLock()
	state := r.state
	var id *identity.Identity
	if r.identity != nil {
		copied := *r.identity
		id = &copied
	}
	r.mu.RUnlock()

	r.listenersMu.Lock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(state, id)
	}
}

// isRejection reports whether err means the service has no session for us,
// as opposed to not being reachable.
func isRejection(err error) bool {
	var netErr *autherrors.NetworkError
	if errors.As(err, &netErr) {
		return false
	}
	if autherrors.IsTerminal(err) || errors.Is(err, autherrors.ErrNoCredential) {
		return true
	}
	var rejected *autherrors.RequestRejected
	return errors.As(err, &rejected) && rejected.StatusCode == 401
}
