package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Vendor endpoints.
const (
	pathLogin   = "/web/user/login"
	pathDetails = "/web/userGroup/getDetails"
	pathControl = "/web/device/control"
)

// maxResponseBytes caps how much of a vendor answer is read.
const maxResponseBytes = 4 << 20

// Client talks to the AirControlBase cloud on behalf of one account.
type Client struct {
	baseURL      string
	email        string
	password     string
	http         *http.Client
	timeout      time.Duration
	avoidRefresh time.Duration
	logger       *slog.Logger
	now          func() time.Time

	loginMu sync.Mutex // serializes logins

	mu          sync.Mutex
	session     Session
	lastControl time.Time
}

// New creates a client for the given account. No request is made until Login.
func New(email, password string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("cloud option: %w", err)
		}
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:      cfg.baseURL,
		email:        email,
		password:     password,
		http:         hc,
		timeout:      cfg.requestTimeout,
		avoidRefresh: cfg.avoidRefresh,
		logger:       logger.With("component", "cloud"),
		now:          time.Now,
	}, nil
}

// Email returns the account the client logs in as.
func (c *Client) Email() string {
	return c.email
}

// Session returns the current session. It is zero before the first login.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession installs a previously saved session, skipping the next login.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Authenticated reports whether a user id is known.
func (c *Client) Authenticated() bool {
	return c.Session().Valid()
}

// Login authenticates with email and password and stores the session.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"account":                        {c.email},
		"password":                       {c.password},
		"avoidRefreshStatusOnUpdateInMs": {strconv.FormatInt(c.avoidRefresh.Milliseconds(), 10)},
	}

	c.logger.Debug("attempting login", "email", c.email)
	env, header, err := c.post(ctx, "login", pathLogin, form, "")
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) {
			c.logger.Error("login failed", "msg", ae.Msg)
			return fmt.Errorf("%w: %s", ErrAuthFailed, ae.Msg)
		}
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	var res loginResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &res); err != nil {
			return fmt.Errorf("%w: decode login result: %w", ErrAuthFailed, err)
		}
	}
	userID := rawString(res.ID)
	if userID == "" {
		return fmt.Errorf("%w: no user id in response", ErrAuthFailed)
	}

	cookies := header.Values("Set-Cookie")
	cookie := strings.Join(cookies, "; ")
	if cookie == "" {
		c.logger.Warn("no session cookies found")
	}

	c.mu.Lock()
	c.session = Session{UserID: userID, Cookie: cookie}
	c.mu.Unlock()

	c.logger.Info("logged in to AirControlBase", "user_id", userID)
	return nil
}

// EnsureAuthenticated logs in unless a session is already held.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.Authenticated() {
		return nil
	}
	return c.login(ctx)
}

// relogin replaces a rejected session. A concurrent caller that already
// replaced it wins and no second login is made.
func (c *Client) relogin(ctx context.Context, stale Session) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if cur := c.Session(); cur.Valid() && cur != stale {
		return nil
	}
	c.logger.Info("session rejected, logging in again")
	return c.login(ctx)
}

// Details fetches every unit of the account, flattened across areas.
//
// While the post-control quiet window is open it returns ErrRefreshSuppressed
// without contacting the vendor; callers should keep their last snapshot.
func (c *Client) Details(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	last := c.lastControl
	c.mu.Unlock()
	if c.avoidRefresh > 0 && !last.IsZero() && c.now().Sub(last) < c.avoidRefresh {
		return nil, ErrRefreshSuppressed
	}

	var devices []Device
	err := c.withSession(ctx, func(s Session) error {
		env, _, err := c.post(ctx, "get details", pathDetails, url.Values{"userId": {s.UserID}}, s.Cookie)
		if err != nil {
			return err
		}
		var res detailsResult
		if len(env.Result) > 0 && string(env.Result) != "null" {
			if err := json.Unmarshal(env.Result, &res); err != nil {
				return fmt.Errorf("decode details: %w", err)
			}
		}
		devices = devices[:0]
		for _, area := range res.Areas {
			devices = append(devices, area.Data...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}
	c.logger.Debug("fetched devices", "count", len(devices))
	return devices, nil
}

// Control sends an operation to the unit addressed by control.
func (c *Client) Control(ctx context.Context, control Control, op Operation) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	controlJSON, err := json.Marshal(control)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	opJSON, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	c.mu.Lock()
	c.lastControl = c.now()
	c.mu.Unlock()

	err = c.withSession(ctx, func(s Session) error {
		form := url.Values{
			"userId":    {s.UserID},
			"control":   {string(controlJSON)},
			"operation": {string(opJSON)},
		}
		c.logger.Debug("controlling device", "control", string(controlJSON), "operation", string(opJSON))
		_, _, err := c.post(ctx, "control", pathControl, form, s.Cookie)
		return err
	})
	if err != nil {
		return fmt.Errorf("device control: %w", err)
	}
	return nil
}

// TestConnection logs in and fetches the device list once.
func (c *Client) TestConnection(ctx context.Context) ([]Device, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastControl = time.Time{}
	c.mu.Unlock()
	return c.Details(ctx)
}

// withSession runs fn with the current session and retries it once after a
// fresh login when the vendor rejects the session. A second rejection is
// reported as ErrSessionExpired.
func (c *Client) withSession(ctx context.Context, fn func(Session) error) error {
	s := c.Session()
	if !s.Valid() {
		return ErrNotAuthenticated
	}
	err := fn(s)
	if err == nil || !isSessionError(err) {
		return err
	}
	if lerr := c.relogin(ctx, s); lerr != nil {
		return fmt.Errorf("%w: %w", ErrSessionExpired, lerr)
	}
	err = fn(c.Session())
	if err != nil && isSessionError(err) && !errors.Is(err, ErrSessionExpired) {
		return fmt.Errorf("%w after re-login: %w", ErrSessionExpired, err)
	}
	return err
}

// post sends a form-encoded request and decodes the vendor envelope.
func (c *Client) post(ctx context.Context, op, path string, form url.Values, cookie string) (*envelope, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("vendor response", "op", op, "status", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return nil, resp.Header, &HTTPError{Op: op, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.Header, fmt.Errorf("%s: read body: %w", op, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("failed to parse vendor response", "op", op, "err", err, "raw", truncate(string(body), 512))
		return nil, resp.Header, fmt.Errorf("%s: invalid response format: %w", op, err)
	}
	if !env.ok() {
		return nil, resp.Header, &APIError{Op: op, Code: env.code(), Msg: env.errorMessage()}
	}
	return &env, resp.Header, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
