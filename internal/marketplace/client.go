// Package marketplace is a typed client for the Selling Partner API surfaces
// the automation core needs: reports, messaging and solicitations.
package marketplace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

const userAgent = "marketplace-automation/1.0 (Language=Go)"

type Config struct {
	CallTimeout           time.Duration
	PerAccountConcurrency int
	Regions               map[string]string
	MaxTries              uint
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration

	// DownloadTimeout bounds one attempt at fetching a report document.
	DownloadTimeout time.Duration

	// SpoolDir holds downloaded documents before they are decoded. Empty
	// means the OS default.
	SpoolDir string
}

// APIError is a non-retryable response from the marketplace.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the marketplace.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	cfg        Config
	tokens     *TokenSource
	httpClient *http.Client
	log        *zap.Logger

	semMu sync.Mutex
	sems  map[int64]*semaphore.Weighted
}

func New(cfg Config, tokens *TokenSource, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.PerAccountConcurrency <= 0 {
		cfg.PerAccountConcurrency = 2
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		log:        log,
		sems:       map[int64]*semaphore.Weighted{},
	}
}

func (c *Client) accountSem(accountID int64) *semaphore.Weighted {
	c.semMu.Lock()
	defer c.semMu.Unlock()
	sem, ok := c.sems[accountID]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.cfg.PerAccountConcurrency))
		c.sems[accountID] = sem
	}
	return sem
}

// Endpoint resolves the API base URL: the marketplace's own endpoint when
// set, else the configured one for its region.
func (c *Client) Endpoint(mp model.Marketplace) (string, error) {
	if mp.EndpointURL != "" {
		return strings.TrimSuffix(mp.EndpointURL, "/"), nil
	}
	base, ok := c.cfg.Regions[strings.ToLower(mp.Region)]
	if !ok || base == "" {
		return "", fmt.Errorf("no endpoint configured for region %q", mp.Region)
	}
	return strings.TrimSuffix(base, "/"), nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	return b
}

// withRetry runs fn under the account's concurrency cap, retrying transient
// failures with jittered exponential backoff. Each attempt gets timeout.
func (c *Client) withRetry(ctx context.Context, accountID int64, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	sem := c.accountSem(accountID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if appErrors.IsTransient(err) {
			var te *appErrors.TransientError
			if errors.As(err, &te) && te.RetryAfter > 0 {
				if err := sleepCtx(ctx, te.RetryAfter); err != nil {
					return struct{}{}, backoff.Permanent(err)
				}
			}
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("marketplace call failed, retrying",
				zap.String("operation", op),
				zap.Int64("account_id", accountID),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call performs one authenticated JSON request with retries. out may be nil.
func (c *Client) call(ctx context.Context, ac model.AccountContext, op, method, path string, query url.Values, body, out any) error {
	base, err := c.Endpoint(ac.Marketplace)
	if err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}
	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.withRetry(ctx, ac.Account.ID, op, c.cfg.CallTimeout, func(ctx context.Context) error {
		token, err := c.tokens.Get(ctx, ac.Account)
		if err != nil {
			return err
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("x-amz-access-token", token)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		raw, status, header, err := c.send(req, op)
		if err != nil {
			return err
		}
		switch {
		case status >= 200 && status < 300:
			if out != nil && len(bytes.TrimSpace(raw)) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("%s: decode response: %w", op, err)
				}
			}
			return nil
		case status == http.StatusUnauthorized:
			c.tokens.Invalidate(ac.Account.ID)
			return &appErrors.TransientError{Op: op, StatusCode: status, Err: errors.New("access token rejected")}
		case status == http.StatusTooManyRequests || status >= 500:
			return &appErrors.TransientError{
				Op:         op,
				StatusCode: status,
				RetryAfter: parseRetryAfter(header.Get("Retry-After")),
				Err:        errors.New(truncate(string(raw), 512)),
			}
		default:
			return &APIError{Op: op, StatusCode: status, Body: truncate(string(raw), 512)}
		}
	})
}

// do sends req and records the call. The caller closes the body.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "network_error").Inc()
		if req.Context().Err() != nil && errors.Is(req.Context().Err(), context.Canceled) {
			return nil, err
		}
		return nil, &appErrors.TransientError{Op: op, Err: err}
	}
	metrics.APIRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func (c *Client) send(req *http.Request, op string) ([]byte, int, http.Header, error) {
	resp, err := c.do(req, op)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &appErrors.TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return raw, resp.StatusCode, resp.Header, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
