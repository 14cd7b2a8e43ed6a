package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/jrsteele09/go-auth-client/credential"
	"github.com/jrsteele09/go-auth-client/pipeline"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingMetrics struct {
	renewals  atomic.Int32
	failures  atomic.Int32
	queued    atomic.Int32
	retried   atomic.Int32
	published atomic.Int32
}

func (m *countingMetrics) RenewalFinished(success bool, _ time.Duration) {
	m.renewals.Add(1)
	if !success {
		m.failures.Add(1)
	}
}
func (m *countingMetrics) RequestQueued()   { m.queued.Add(1) }
func (m *countingMetrics) RequestRetried()  { m.retried.Add(1) }
func (m *countingMetrics) LogoutPublished() { m.published.Add(1) }

// blockingRenewer counts renewals and holds each one until released.
type blockingRenewer struct {
	calls   atomic.Int32
	release chan struct{}
	token   string
	err     error
}

func newBlockingRenewer(token string, err error) *blockingRenewer {
	return &blockingRenewer{release: make(chan struct{}), token: token, err: err}
}

func (r *blockingRenewer) Renew(ctx context.Context) (string, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return r.token, r.err
}

type testFixture struct {
	server    *httptest.Server
	valid     atomic.Value
	holder    *credential.Holder
	metrics   *countingMetrics
	hub       *broadcast.Hub
	publisher *broadcast.Member
	listener  *broadcast.Member
	signals   chan broadcast.Signal
	client    *http.Client
	transport *pipeline.Transport

	// /slow reports each arrival on arrived, then answers 401 once gate closes
	arrived chan struct{}
	gate    chan struct{}

	mu      sync.Mutex
	headers []http.Header
}

// setupTestFixture starts an API that accepts only the bearer token stored in
// f.valid, and a pipeline holding "stale".
func setupTestFixture(t *testing.T, renewer pipeline.Renewer, opts ...pipeline.Option) *testFixture {
	t.Helper()
	f := &testFixture{
		holder:  credential.NewHolder(),
		metrics: &countingMetrics{},
		hub:     broadcast.NewHub(),
		signals: make(chan broadcast.Signal, 16),
		arrived: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	f.valid.Store("fresh")

	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+f.valid.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("ok:"), body...))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		f.arrived <- struct{}{}
		<-f.gate
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc(pipeline.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "Invalid credentials", "error": "Unauthorized", "statusCode": 401})
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": []string{"admin only"}, "error": "Forbidden", "statusCode": 403})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.publisher = f.hub.Join()
	f.listener = f.hub.Join()
	t.Cleanup(func() {
		_ = f.publisher.Close()
		_ = f.listener.Close()
	})
	f.listener.Subscribe(func(s broadcast.Signal) { f.signals <- s })

	opts = append([]pipeline.Option{
		pipeline.WithPublisher(f.publisher),
		pipeline.WithMetrics(f.metrics),
	}, opts...)
	transport, err := pipeline.NewTransport(f.holder, renewer, opts...)
	require.NoError(t, err)
	f.transport = transport
	f.client = &http.Client{Transport: transport}

	f.holder.Set("stale")
	return f
}

func (f *testFixture) get(path string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := pipeline.Do(f.client, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestNewTransport_Validation(t *testing.T) {
	_, err := pipeline.NewTransport(nil, pipeline.RenewerFunc(func(context.Context) (string, error) { return "", nil }))
	require.Error(t, err)

	_, err = pipeline.NewTransport(credential.NewHolder(), nil)
	require.Error(t, err)

	_, err = pipeline.NewTransport(credential.NewHolder(), pipeline.RenewerFunc(func(context.Context) (string, error) { return "", nil }), pipeline.WithBase(nil))
	require.Error(t, err)
}

func TestTransport_AttachesCredentialAndHeaders(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer, pipeline.WithHeader("X-Fingerprint", "device-1"))
	f.valid.Store("stale")

	body, err := f.get("/data")
	require.NoError(t, err)
	require.Equal(t, "ok:", body)
	require.Zero(t, renewer.calls.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.headers, 1)
	require.Equal(t, "Bearer stale", f.headers[0].Get("Authorization"))
	require.Equal(t, "device-1", f.headers[0].Get("X-Fingerprint"))
}

func TestTransport_ConcurrentExpiredCallsShareOneRenewal(t *testing.T) {
	const calls = 8
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)

	var g errgroup.Group
	bodies := make([]string, calls)
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			body, err := f.get("/data")
			bodies[i] = body
			return err
		})
	}

	// one caller renews, every other caller queues behind it
	require.Eventually(t, func() bool {
		return f.metrics.queued.Load() == calls-1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.transport.Renewing())
	close(renewer.release)

	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), renewer.calls.Load())
	require.Equal(t, int32(calls), f.metrics.retried.Load())
	require.False(t, f.transport.Renewing())
	for _, body := range bodies {
		require.Equal(t, "ok:", body)
	}

	raw, ok := f.holder.Get()
	require.True(t, ok)
	require.Equal(t, "fresh", raw.Raw)
}

func TestTransport_RetriesAtMostOnce(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	close(renewer.release)
	f := setupTestFixture(t, renewer)
	f.valid.Store("never-issued")

	_, err := f.get("/data")
	require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	require.Equal(t, int32(1), renewer.calls.Load())
	require.Equal(t, http.StatusUnauthorized, autherrors.StatusCode(err))

	f.mu.Lock()
	require.Len(t, f.headers, 2)
	f.mu.Unlock()

	// the renewal itself succeeded, so the credential is kept
	raw, ok := f.holder.Get()
	require.True(t, ok)
	require.Equal(t, "fresh", raw.Raw)
	require.Zero(t, f.metrics.published.Load())
}

func TestTransport_RenewalFailureClearsAndSignalsOnce(t *testing.T) {
	const calls = 5
	renewer := newBlockingRenewer("", &autherrors.RequestRejected{StatusCode: http.StatusUnauthorized})
	f := setupTestFixture(t, renewer)

	var g errgroup.Group
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			_, errs[i] = f.get("/data")
			return nil
		})
	}
	require.Eventually(t, func() bool {
		return f.metrics.queued.Load() == calls-1
	}, 2*time.Second, 5*time.Millisecond)
	close(renewer.release)
	require.NoError(t, g.Wait())

	for _, err := range errs {
		require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	}
	require.Equal(t, int32(1), renewer.calls.Load())

	_, ok := f.holder.Get()
	require.False(t, ok)

	select {
	case s := <-f.signals:
		require.Equal(t, broadcast.KindLogout, s.Kind)
		require.Equal(t, f.publisher.Origin(), s.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("logout signal not delivered")
	}
	require.Equal(t, int32(1), f.metrics.published.Load())
}

func TestTransport_EmptyRenewalIsFailure(t *testing.T) {
	renewer := newBlockingRenewer("", nil)
	close(renewer.release)
	f := setupTestFixture(t, renewer)

	_, err := f.get("/data")
	require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	_, ok := f.holder.Get()
	require.False(t, ok)
}

func TestTransport_ExcludedEndpointsNeverRecover(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+pipeline.LoginPath, strings.NewReader(`{}`))
	require.NoError(t, err)
	_, err = pipeline.Do(f.client, req)

	var rejected *autherrors.RequestRejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
	require.Equal(t, "Invalid credentials", rejected.Message)
	require.Equal(t, "Unauthorized", rejected.Code)
	require.Zero(t, renewer.calls.Load())

	_, ok := f.holder.Get()
	require.True(t, ok)
}

func TestTransport_RequestRejectedPassesThrough(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)

	_, err := f.get("/forbidden")
	var rejected *autherrors.RequestRejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusForbidden, rejected.StatusCode)
	require.Equal(t, "admin only", rejected.Message)
	require.Zero(t, renewer.calls.Load())
	require.Equal(t, "stale", f.holder.Raw())
}

func TestTransport_NetworkErrorLeavesCredential(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)
	url := f.server.URL
	f.server.Close()

	req, err := http.NewRequest(http.MethodGet, url+"/data", nil)
	require.NoError(t, err)
	_, err = pipeline.Do(f.client, req)

	var netErr *autherrors.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.MethodGet, netErr.Method)
	require.Zero(t, renewer.calls.Load())
	require.Equal(t, "stale", f.holder.Raw())
}

func TestTransport_ReissuesRequestBody(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	close(renewer.release)
	f := setupTestFixture(t, renewer)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/data", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := pipeline.Do(f.client, req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok:payload", string(body))
	require.Equal(t, int32(1), renewer.calls.Load())
}

func TestTransport_ProactiveRenewJoinsInFlight(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)

	var g errgroup.Group
	g.Go(func() error { return f.transport.Renew(context.Background()) })
	require.Eventually(t, f.transport.Renewing, 2*time.Second, 5*time.Millisecond)

	g.Go(func() error { return f.transport.Renew(context.Background()) })
	g.Go(func() error {
		_, err := f.get("/data")
		return err
	})
	require.Eventually(t, func() bool {
		return f.metrics.queued.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(renewer.release)
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), renewer.calls.Load())
	require.Equal(t, "fresh", f.holder.Raw())
}

func TestTransport_QueuedCallerCanGiveUp(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)

	var g errgroup.Group
	g.Go(func() error { return f.transport.Renew(context.Background()) })
	require.Eventually(t, f.transport.Renewing, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.transport.Renew(ctx), context.Canceled)

	close(renewer.release)
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), renewer.calls.Load())
}

func TestTransport_ClearedWhileInFlightFailsWithoutRenewal(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	close(renewer.release)
	f := setupTestFixture(t, renewer)

	errs := make(chan error, 1)
	go func() {
		_, err := f.get("/slow")
		errs <- err
	}()

	<-f.arrived
	f.holder.Clear()
	close(f.gate)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return")
	}
	require.Zero(t, renewer.calls.Load())
	require.Zero(t, f.metrics.retried.Load())
	_, ok := f.holder.Get()
	require.False(t, ok)
	require.Zero(t, f.metrics.published.Load())
}

func TestTransport_ReplacedWhileInFlightRetriesWithoutRenewal(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	close(renewer.release)
	f := setupTestFixture(t, renewer)

	errs := make(chan error, 1)
	go func() {
		_, err := f.get("/slow")
		errs <- err
	}()

	<-f.arrived
	f.holder.Set("fresh")
	close(f.gate)

	// the reissued call reaches /slow again and is answered 401 as well
	select {
	case <-f.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("request was not reissued")
	}
	select {
	case err := <-errs:
		require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return")
	}
	require.Zero(t, renewer.calls.Load())
	require.Equal(t, int32(1), f.metrics.retried.Load())
	require.Equal(t, "fresh", f.holder.Raw())
}

func TestTransport_ResumeFailureKeepsOtherContextsSignedIn(t *testing.T) {
	renewer := newBlockingRenewer("", &autherrors.RequestRejected{StatusCode: http.StatusUnauthorized})
	close(renewer.release)
	f := setupTestFixture(t, renewer)
	f.holder.Clear()

	err := f.transport.Resume(context.Background())
	require.ErrorIs(t, err, autherrors.ErrAuthenticationFailed)
	require.Equal(t, int32(1), renewer.calls.Load())
	require.Equal(t, int32(1), f.metrics.failures.Load())
	require.Zero(t, f.metrics.published.Load())
	require.False(t, f.transport.Renewing())

	select {
	case s := <-f.signals:
		t.Fatalf("unexpected signal %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_ResumeSharesRenewalWithRecovery(t *testing.T) {
	renewer := newBlockingRenewer("fresh", nil)
	f := setupTestFixture(t, renewer)
	f.holder.Clear()

	var g errgroup.Group
	g.Go(func() error { return f.transport.Resume(context.Background()) })
	require.Eventually(t, f.transport.Renewing, 2*time.Second, 5*time.Millisecond)

	g.Go(func() error {
		body, err := f.get("/data")
		if err == nil && body != "ok:" {
			return errors.New("unexpected body " + body)
		}
		return err
	})
	require.Eventually(t, func() bool {
		return f.metrics.queued.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(renewer.release)
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), renewer.calls.Load())
	require.Equal(t, "fresh", f.holder.Raw())
}
