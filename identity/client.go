package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/jrsteele09/go-auth-client/pipeline"
	"github.com/pkg/errors"
)

// Client calls the identity service. Regular calls go through api, which is
// expected to carry the request pipeline; renewal goes through renew, which
// must bypass it. Both must share the cookie jar holding the renewal secret.
type Client struct {
	baseURL *url.URL
	api     *http.Client
	renew   *http.Client
}

var _ pipeline.Renewer = (*Client)(nil)

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, api, renew *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[identity.NewClient] base url required")
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "[identity.NewClient] invalid base url")
	}
	if api == nil {
		return nil, errors.New("[identity.NewClient] api http client required")
	}
	if renew == nil {
		renew = api
	}
	return &Client{baseURL: u, api: api, renew: renew}, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Login exchanges credentials for an access token and the user profile. The
// service also sets the renewal cookie.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Grant, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	var grant Grant
	if err := c.call(ctx, c.api, http.MethodPost, RouteLogin, creds, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, creds Credentials) (*Identity, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	var resp registerResponse
	if err := c.call(ctx, c.api, http.MethodPost, RouteRegister, creds, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Refresh presents the renewal cookie and returns a fresh grant.
func (c *Client) Refresh(ctx context.Context) (*Grant, error) {
	var grant Grant
	if err := c.call(ctx, c.renew, http.MethodPost, RouteRefresh, struct{}{}, &grant); err != nil {
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, errors.New("[identity.Refresh] response carried no access token")
	}
	return &grant, nil
}

// Renew implements pipeline.Renewer.
func (c *Client) Renew(ctx context.Context) (string, error) {
	grant, err := c.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return grant.AccessToken, nil
}

// Logout ends the current server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, c.api, http.MethodPost, RouteLogout, struct{}{}, nil)
}

// LogoutAll ends every server-side session of the user.
func (c *Client) LogoutAll(ctx context.Context) error {
	return c.call(ctx, c.api, http.MethodPost, RouteLogoutAll, struct{}{}, nil)
}

// FetchIdentity returns the profile of the authenticated user.
func (c *Client) FetchIdentity(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.call(ctx, c.api, http.MethodGet, RouteMe, nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// Sessions lists the user's active sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.call(ctx, c.api, http.MethodGet, RouteSessions, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RevokeSession ends one session by id.
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	if id == "" {
		return autherrors.Wrapf(autherrors.ErrValidation, "session id required")
	}
	path := strings.Replace(RouteRevokeSession, "{id}", url.PathEscape(id), 1)
	return c.call(ctx, c.api, http.MethodDelete, path, nil, nil)
}

func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", method, path)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := pipeline.Do(hc, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func validateCredentials(creds Credentials) error {
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return autherrors.Wrapf(autherrors.ErrValidation, "email and password required")
	}
	if _, err := mail.ParseAddress(creds.Email); err != nil {
		return autherrors.Wrapf(autherrors.ErrValidation, "invalid email %q", creds.Email)
	}
	return nil
}
