// Package pipeline attaches the held credential to outgoing requests and
// recovers from expired credentials with a single in-flight renewal.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/jrsteele09/go-auth-client/credential"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default endpoints that never trigger recovery: a 401 from them is an answer,
// not an expired credential.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
)

// Renewer obtains a new raw credential, typically by presenting the ambient
// renewal secret to the identity service.
type Renewer interface {
	Renew(ctx context.Context) (string, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context) (string, error)

func (f RenewerFunc) Renew(ctx context.Context) (string, error) {
	return f(ctx)
}

// Metrics receives pipeline events.
type Metrics interface {
	RenewalFinished(success bool, elapsed time.Duration)
	RequestQueued()
	RequestRetried()
	LogoutPublished()
}

type noopMetrics struct{}

func (noopMetrics) RenewalFinished(bool, time.Duration) {}
func (noopMetrics) RequestQueued()                      {}
func (noopMetrics) RequestRetried()                     {}
func (noopMetrics) LogoutPublished()                    {}

// Transport is an http.RoundTripper implementing the recovery protocol for
// one application context.
type Transport struct {
	holder    *credential.Holder
	renewer   Renewer
	base      http.RoundTripper
	publisher broadcast.Broadcaster
	excluded  []string
	headers   http.Header
	metrics   Metrics
	logger    zerolog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	renewing bool
	waiters  []chan error
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the transport requests are sent through.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = base
	}
}

// WithPublisher sets where the logout signal is written after an
// unrecoverable renewal failure.
func WithPublisher(publisher broadcast.Broadcaster) Option {
	return func(t *Transport) {
		t.publisher = publisher
	}
}

// WithExcludedPaths replaces the endpoints exempt from recovery. A request is
// exempt when its path ends with one of them.
func WithExcludedPaths(paths ...string) Option {
	return func(t *Transport) {
		t.excluded = paths
	}
}

// WithHeader adds a static header to every request that does not set it.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		t.headers.Set(key, value)
	}
}

func WithMetrics(m Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithNowFunc sets the clock used for signal timestamps and renewal timing.
func WithNowFunc(nowFunc func() time.Time) Option {
	return func(t *Transport) {
		t.nowFunc = nowFunc
	}
}

// NewTransport creates the request pipeline around holder.
func NewTransport(holder *credential.Holder, renewer Renewer, opts ...Option) (*Transport, error) {
	if holder == nil {
		return nil, errors.New("[NewTransport] credential holder required")
	}
	if renewer == nil {
		return nil, errors.New("[NewTransport] renewer required")
	}

	t := &Transport{
		holder:   holder,
		renewer:  renewer,
		base:     http.DefaultTransport,
		excluded: []string{LoginPath, RefreshPath},
		headers:  make(http.Header),
		metrics:  noopMetrics{},
		logger:   log.Logger,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		return nil, errors.New("[NewTransport] base transport required")
	}
	return t, nil
}

// RoundTrip sends req with the held credential attached. A 401 from a
// non-exempt endpoint is recovered by renewing the credential once and
// reissuing the request; a 401 on the reissued request is terminal.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	resp, used, err := t.send(req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || t.isExcluded(req.URL.Path) {
		return resp, nil
	}
	discard(resp)

	t.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("credential expired, recovering")
	if err := t.recoverFrom(req.Context(), used); err != nil {
		return nil, err
	}

	t.metrics.RequestRetried()
	resp, _, err = t.send(req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.logger.Warn().Str("method", req.Method).Str("path", req.URL.Path).Msg("renewed credential rejected")
		return nil, autherrors.AuthenticationFailed(autherrors.ErrAuthenticationExpired)
	}
	return resp, nil
}

// Renew renews the credential now, or waits for the renewal already in
// flight. It is the proactive entry point used by the renewal timer; a
// failure ends the session like a failed reactive renewal.
func (t *Transport) Renew(ctx context.Context) error {
	t.mu.Lock()
	if t.renewing {
		return t.waitLocked(ctx)
	}
	t.renewing = true
	t.mu.Unlock()

	return t.dispatch(ctx, true)
}

// Resume tries to obtain a credential from the ambient renewal secret when a
// context starts without one. It shares the single in-flight renewal with
// request recovery. A failure of its own renewal is reported without clearing
// the holder or signalling logout: having no session to resume is not a
// logout.
func (t *Transport) Resume(ctx context.Context) error {
	t.mu.Lock()
	if t.renewing {
		return t.waitLocked(ctx)
	}
	t.renewing = true
	t.mu.Unlock()

	return t.dispatch(ctx, false)
}

// Renewing reports whether a renewal is in flight.
func (t *Transport) Renewing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renewing
}

// recoverFrom handles a 401 for a request sent under the holder state used.
func (t *Transport) recoverFrom(ctx context.Context, used attempt) error {
	t.mu.Lock()
	if t.renewing {
		return t.waitLocked(ctx)
	}
	if current, gen := t.holder.Snapshot(); gen != used.gen {
		t.mu.Unlock()
		// cleared while this request was on the wire: it fails, nothing is renewed
		if current == "" {
			return autherrors.AuthenticationFailed(autherrors.ErrAuthenticationExpired)
		}
		// a renewal or login settled meanwhile
		return nil
	}
	t.renewing = true
	t.mu.Unlock()

	return t.dispatch(ctx, true)
}

// waitLocked queues the caller behind the in-flight renewal. t.mu must be
// held; it is released before blocking.
func (t *Transport) waitLocked(ctx context.Context) error {
	ch := make(chan error, 1)
	t.waiters = append(t.waiters, ch)
	queued := len(t.waiters)
	t.mu.Unlock()

	t.metrics.RequestQueued()
	t.logger.Debug().Int("queued", queued).Msg("request queued behind renewal")

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs the renewal. endSession selects whether a failure clears the
// holder and publishes the logout signal.
func (t *Transport) dispatch(ctx context.Context, endSession bool) error {
	start := t.nowFunc()
	t.logger.Debug().Msg("renewal dispatched")

	// the caller giving up must not abort a renewal other requests wait on
	raw, err := t.renewer.Renew(context.WithoutCancel(ctx))
	if err == nil && raw == "" {
		err = errors.New("renewal returned an empty credential")
	}
	elapsed := t.nowFunc().Sub(start)

	if err != nil {
		failure := autherrors.AuthenticationFailed(err)
		t.metrics.RenewalFinished(false, elapsed)
		if endSession {
			t.logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("renewal failed, ending session")
			t.holder.Clear()
			t.publishLogout(ctx)
		} else {
			t.logger.Debug().Err(err).Dur("elapsed", elapsed).Msg("no session to resume")
		}
		t.settle(failure)
		return failure
	}

	t.holder.Set(raw)
	t.metrics.RenewalFinished(true, elapsed)
	t.logger.Debug().Dur("elapsed", elapsed).Msg("renewal succeeded")
	t.settle(nil)
	return nil
}

// settle wakes every queued request in arrival order and resets the queue.
func (t *Transport) settle(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.renewing = false
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

func (t *Transport) publishLogout(ctx context.Context) {
	if t.publisher == nil {
		return
	}
	signal := broadcast.LogoutSignal(t.publisher.Origin(), t.nowFunc())
	if err := t.publisher.Publish(context.WithoutCancel(ctx), signal); err != nil {
		t.logger.Err(err).Msg("failed to publish logout signal")
		return
	}
	t.metrics.LogoutPublished()
}

// attempt records the holder state a request was sent under.
type attempt struct {
	raw string
	gen uint64
}

// send issues one attempt of req.
func (t *Transport) send(req *http.Request, body []byte) (*http.Response, attempt, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	for key, values := range t.headers {
		if out.Header.Get(key) == "" {
			out.Header[key] = values
		}
	}

	var used attempt
	used.raw, used.gen = t.holder.Snapshot()
	if used.raw != "" {
		out.Header.Set("Authorization", "Bearer "+used.raw)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, used, &autherrors.NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, used, nil
}

func (t *Transport) isExcluded(path string) bool {
	for _, excluded := range t.excluded {
		if strings.HasSuffix(path, excluded) {
			return true
		}
	}
	return false
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Transport.RoundTrip] read request body")
	}
	return body, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// Do sends req with c and converts error statuses into
// *autherrors.RequestRejected. Errors raised by a Transport are returned
// unwrapped from the *url.Error the http.Client adds.
func Do(c *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, unwrapClientError(err)
	}
	if err := CheckResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func unwrapClientError(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	var netErr *autherrors.NetworkError
	if errors.As(urlErr.Err, &netErr) || autherrors.Is(urlErr.Err, autherrors.ErrAuthenticationFailed) {
		return urlErr.Err
	}
	return &autherrors.NetworkError{Method: urlErr.Op, URL: urlErr.URL, Err: urlErr.Err}
}
