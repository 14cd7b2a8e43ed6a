// Package client wires the credential holder, request pipeline, broadcaster
// and session reconciler of one application context.
package client

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/jrsteele09/go-auth-client/credential"
	"github.com/jrsteele09/go-auth-client/identity"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/metrics"
	"github.com/jrsteele09/go-auth-client/pipeline"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FingerprintHeader carries the device fingerprint on every API call.
const FingerprintHeader = "X-Fingerprint"

var allStates = []string{
	session.Uninitialized.String(),
	session.Resolving.String(),
	session.Authenticated.String(),
	session.Anonymous.String(),
}

// Client is one application context talking to the identity service.
type Client struct {
	holder      *credential.Holder
	transport   *pipeline.Transport
	service     *identity.Client
	reconciler  *session.Reconciler
	broadcaster broadcast.Broadcaster
	metrics     *metrics.Collectors
	api         *http.Client
	logger      zerolog.Logger

	closeBroadcaster func() error
	ownedRedis       *redis.Client
	unsubscribe      func()
	closeOnce        sync.Once
	closeErr         error
}

type options struct {
	jar         http.CookieJar
	base        http.RoundTripper
	clock       credential.Clock
	broadcaster broadcast.Broadcaster
	hub         *broadcast.Hub
	redis       *redis.Client
	metrics     *metrics.Collectors
	logger      *zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithCookieJar shares a cookie jar between clients, the way tabs of one
// browser share cookies.
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *options) {
		o.jar = jar
	}
}

// WithBaseTransport sets the transport under the pipeline.
func WithBaseTransport(base http.RoundTripper) Option {
	return func(o *options) {
		o.base = base
	}
}

// WithClock replaces the clock driving the renewal timer.
func WithClock(clock credential.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithBroadcaster uses b instead of building one from the configuration. The
// client does not close it.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(o *options) {
		o.broadcaster = b
	}
}

// WithHub joins hub when the configured medium is memory.
func WithHub(hub *broadcast.Hub) Option {
	return func(o *options) {
		o.hub = hub
	}
}

// WithRedisClient uses rc when the configured medium is redis. The client
// does not close it.
func WithRedisClient(rc *redis.Client) Option {
	return func(o *options) {
		o.redis = rc
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// New builds a client for cfg. Call Activate to resume an existing session.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[client.New] config required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{logger: log.Logger}
	if o.logger != nil {
		c.logger = *o.logger
	}
	c.metrics = o.metrics
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	if o.jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Wrap(err, "[client.New] cookie jar")
		}
		o.jar = jar
	}
	if o.base == nil {
		o.base = http.DefaultTransport.(*http.Transport).Clone()
	}

	broadcaster, err := c.openBroadcaster(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	c.broadcaster = broadcaster

	holderOpts := []credential.HolderOption{
		credential.WithMargin(cfg.GetRenewalMargin()),
		credential.WithLogger(c.logger),
	}
	if o.clock != nil {
		holderOpts = append(holderOpts, credential.WithClock(o.clock))
	}
	c.holder = credential.NewHolder(holderOpts...)

	renewHTTP := &http.Client{Jar: o.jar, Transport: o.base, Timeout: cfg.GetRequestTimeout()}
	renewer, err := identity.NewClient(cfg.GetAPIURL(), renewHTTP, renewHTTP)
	if err != nil {
		c.Close()
		return nil, err
	}

	transportOpts := []pipeline.Option{
		pipeline.WithBase(o.base),
		pipeline.WithPublisher(broadcaster),
		pipeline.WithMetrics(c.metrics),
		pipeline.WithLogger(c.logger),
	}
	if fp := cfg.GetFingerprint(); fp != "" {
		transportOpts = append(transportOpts, pipeline.WithHeader(FingerprintHeader, fp))
	}
	c.transport, err = pipeline.NewTransport(c.holder, renewer, transportOpts...)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.api = &http.Client{Jar: o.jar, Transport: c.transport, Timeout: cfg.GetRequestTimeout()}
	c.service, err = identity.NewClient(cfg.GetAPIURL(), c.api, renewHTTP)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.reconciler, err = session.NewReconciler(c.holder, c.service, c.transport,
		session.WithBroadcaster(broadcaster),
		session.WithLogger(c.logger),
	)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.holder.OnRenewalDue(c.renewDue)
	c.metrics.SetState(session.Uninitialized.String(), allStates...)
	c.reconciler.OnStateChange(func(s session.State, _ *identity.Identity) {
		c.metrics.SetState(s.String(), allStates...)
	})
	c.unsubscribe = broadcaster.Subscribe(func(broadcast.Signal) {
		c.metrics.SignalReceived()
	})
	return c, nil
}

func (c *Client) openBroadcaster(ctx context.Context, cfg config.Config, o options) (broadcast.Broadcaster, error) {
	if o.broadcaster != nil {
		return o.broadcaster, nil
	}

	switch cfg.GetBroadcast() {
	case config.BroadcastRedis:
		rc := o.redis
		if rc == nil {
			rc = redis.NewClient(&redis.Options{Addr: cfg.GetRedisAddr()})
			c.ownedRedis = rc
		}
		b, err := broadcast.NewRedis(ctx, rc,
			broadcast.WithKey(cfg.GetLogoutKey()),
			broadcast.WithChannel(cfg.GetLogoutChannel()),
			broadcast.WithRedisLogger(c.logger),
		)
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "[client.New] redis broadcaster")
		}
		c.closeBroadcaster = b.Close
		return b, nil

	case config.BroadcastMemory:
		hub := o.hub
		if hub == nil {
			hub = broadcast.NewHub()
		}
		m := hub.Join()
		c.closeBroadcaster = m.Close
		return m, nil

	default:
		return nil, errors.Errorf("[client.New] unknown broadcast medium %q", cfg.GetBroadcast())
	}
}

// renewDue runs when the renewal timer fires.
func (c *Client) renewDue() {
	c.logger.Debug().Msg("renewal timer fired")
	if err := c.transport.Renew(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("scheduled renewal failed")
	}
}

// HTTPClient returns the client whose requests go through the pipeline.
func (c *Client) HTTPClient() *http.Client {
	return c.api
}

// Do sends req through the pipeline. Error statuses are returned as
// *autherrors.RequestRejected.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return pipeline.Do(c.api, req)
}

func (c *Client) Activate(ctx context.Context) error {
	return c.reconciler.Activate(ctx)
}

func (c *Client) SubmitLogin(ctx context.Context, creds identity.Credentials) (*identity.Identity, error) {
	return c.reconciler.SubmitLogin(ctx, creds)
}

func (c *Client) RequestLogout(ctx context.Context) error {
	return c.reconciler.RequestLogout(ctx)
}

func (c *Client) RequestLogoutAll(ctx context.Context) error {
	return c.reconciler.RequestLogoutAll(ctx)
}

func (c *Client) CurrentIdentity() (*identity.Identity, bool) {
	return c.reconciler.CurrentIdentity()
}

func (c *Client) IsResolving() bool {
	return c.reconciler.IsResolving()
}

func (c *Client) State() session.State {
	return c.reconciler.State()
}

// OnStateChange registers fn for session transitions.
func (c *Client) OnStateChange(fn func(session.State, *identity.Identity)) {
	c.reconciler.OnStateChange(fn)
}

// Identity gives access to the remaining identity-service calls, such as
// Register, Sessions and RevokeSession.
func (c *Client) Identity() *identity.Client {
	return c.service
}

func (c *Client) Holder() *credential.Holder {
	return c.holder
}

func (c *Client) Broadcaster() broadcast.Broadcaster {
	return c.broadcaster
}

func (c *Client) Metrics() *metrics.Collectors {
	return c.metrics
}

// Close stops following the session, stops the renewal timer and releases
// the broadcaster. The credential is dropped without a server logout.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.reconciler != nil {
			_ = c.reconciler.Close()
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.holder != nil {
			c.holder.Clear()
		}
		if c.closeBroadcaster != nil {
			c.closeErr = c.closeBroadcaster()
		}
		if c.ownedRedis != nil {
			if err := c.ownedRedis.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
