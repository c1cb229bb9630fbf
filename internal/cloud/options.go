package cloud

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the AirControlBase web endpoint.
const DefaultBaseURL = "https://www.aircontrolbase.com"

// DefaultAvoidRefreshWindow is how long status refreshes are skipped after a control call.
const DefaultAvoidRefreshWindow = 5000 * time.Millisecond

// Option configures a Client.
type Option func(*clientConfig) error

type clientConfig struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	avoidRefresh   time.Duration
	logger         *slog.Logger
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		baseURL:        DefaultBaseURL,
		requestTimeout: 10 * time.Second,
		avoidRefresh:   DefaultAvoidRefreshWindow,
	}
}

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *clientConfig) error {
		if u == "" {
			return errors.New("base url must not be empty")
		}
		c.baseURL = strings.TrimRight(u, "/")
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithRequestTimeout bounds every vendor call.
// Default is 10 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		c.requestTimeout = d
		return nil
	}
}

// WithAvoidRefreshWindow sets the quiet period after a control call during
// which Details returns ErrRefreshSuppressed. Zero disables it.
func WithAvoidRefreshWindow(d time.Duration) Option {
	return func(c *clientConfig) error {
		if d < 0 {
			return errors.New("avoid refresh window must not be negative")
		}
		c.avoidRefresh = d
		return nil
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}
