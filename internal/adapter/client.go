package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/histvault/internal/errs"
)

// RangeParams is one time-series range request.
type RangeParams struct {
	Dataset string
	Schema  string
	Symbols []string
	STypeIn string
	Start   time.Time
	End     time.Time
}

// Client is the session-oriented vendor client. Connect and Disconnect
// are idempotent; GetRange streams NDJSON for one range request. The
// production implementation is httpClient; tests substitute fakes.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetRange(ctx context.Context, p RangeParams) (io.ReadCloser, error)
}

// ClientConfig configures the production HTTP client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// NewHTTPClient builds the production client: authenticated, rate limited,
// and circuit broken. The breaker opens after repeated consecutive
// failures so a down vendor does not eat the whole retry budget of every
// chunk.
func NewHTTPClient(cfg ClientConfig, log zerolog.Logger) Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	logger := log.With().Str("component", "vendor_client").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vendor_http",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("vendor circuit state change")
		},
	})
	return &httpClient{
		cfg:     cfg,
		log:     logger,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		breaker: breaker,
	}
}

type httpClient struct {
	cfg       ClientConfig
	log       zerolog.Logger
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	connected bool
}

// Connect verifies credentials with a cheap metadata call. Calling it on
// an already-connected client is a no-op.
func (c *httpClient) Connect(ctx context.Context) error {
	if c.connected {
		return nil
	}
	if c.cfg.APIKey == "" {
		return &errs.Auth{API: c.cfg.BaseURL, Reason: "no API key configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v0/metadata.list_datasets", nil)
	if err != nil {
		return fmt.Errorf("build session probe: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, "")
	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.Transient{Err: fmt.Errorf("session probe: %w", err)}
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Disconnect tears down the session. Safe to call repeatedly.
func (c *httpClient) Disconnect() error {
	c.connected = false
	c.http.CloseIdleConnections()
	return nil
}

// GetRange issues one range request and returns the NDJSON body stream.
// The caller owns the returned reader.
func (c *httpClient) GetRange(ctx context.Context, p RangeParams) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.breaker.Execute(func() (any, error) {
		return c.doGetRange(ctx, p)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &errs.Transient{Err: fmt.Errorf("vendor circuit open: %w", err)}
		}
		return nil, err
	}
	return body.(io.ReadCloser), nil
}

func (c *httpClient) doGetRange(ctx context.Context, p RangeParams) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("dataset", p.Dataset)
	q.Set("schema", p.Schema)
	q.Set("symbols", strings.Join(p.Symbols, ","))
	q.Set("stype_in", p.STypeIn)
	q.Set("start", p.Start.UTC().Format(time.RFC3339))
	q.Set("end", p.End.UTC().Format(time.RFC3339))
	q.Set("encoding", "json")

	u := c.cfg.BaseURL + "/v0/timeseries.get_range?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.Transient{Err: fmt.Errorf("range request: %w", err)}
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// statusError maps HTTP status codes onto the error taxonomy: 401/403
// terminal auth, 429 transient with Retry-After, 5xx transient, other
// 4xx terminal.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &errs.Auth{API: resp.Request.URL.Host, Reason: resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errs.Transient{
			Err:   fmt.Errorf("rate limited: %s", resp.Status),
			After: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &errs.Transient{Err: fmt.Errorf("vendor server error: %s", resp.Status)}
	default:
		return fmt.Errorf("vendor rejected request: %s", resp.Status)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
