package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

// TokenStore persists a refreshed token set. The three fields are written
// together.
type TokenStore interface {
	UpdateTokens(ctx context.Context, accountID int64, tokens model.TokenSet) error
}

// TokenSource hands out access tokens and refreshes them through the LWA
// refresh-token grant. Refreshes for one account never overlap.
type TokenSource struct {
	store        TokenStore
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	skew         time.Duration
	now          func() time.Time
	log          *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	cache   map[int64]model.TokenSet
	revoked map[int64]bool
}

type TokenSourceConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshSkew  time.Duration
}

func NewTokenSource(cfg TokenSourceConfig, store TokenStore, httpClient *http.Client, log *zap.Logger) *TokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 60 * time.Second
	}
	return &TokenSource{
		store:        store,
		httpClient:   httpClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		skew:         cfg.RefreshSkew,
		now:          time.Now,
		log:          log,
		cache:        map[int64]model.TokenSet{},
		revoked:      map[int64]bool{},
	}
}

// current prefers the cached set, which is newer than the account row the
// caller loaded whenever a refresh already happened in this process.
func (ts *TokenSource) current(account model.MarketplaceAccount) model.TokenSet {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	set, ok := ts.cache[account.ID]
	if !ok {
		set = model.TokenSet{AccessToken: account.AccessToken, RefreshToken: account.RefreshToken}
		if account.AccessTokenExpires != nil {
			set.ExpiresAt = *account.AccessTokenExpires
		}
	}
	if ts.revoked[account.ID] {
		set.AccessToken = ""
	}
	return set
}

func (ts *TokenSource) fresh(set model.TokenSet) bool {
	return set.AccessToken != "" && ts.now().Before(set.ExpiresAt.Add(-ts.skew))
}

// Get returns a token valid for at least the refresh skew.
func (ts *TokenSource) Get(ctx context.Context, account model.MarketplaceAccount) (string, error) {
	if set := ts.current(account); ts.fresh(set) {
		return set.AccessToken, nil
	}

	v, err, _ := ts.group.Do(strconv.FormatInt(account.ID, 10), func() (interface{}, error) {
		// another caller may have refreshed while we queued
		set := ts.current(account)
		if ts.fresh(set) {
			return set.AccessToken, nil
		}
		refreshed, err := ts.refresh(ctx, account.ID, set.RefreshToken)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues(refreshResult(err)).Inc()
			return nil, err
		}
		if err := ts.store.UpdateTokens(ctx, account.ID, refreshed); err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("persist_error").Inc()
			return nil, fmt.Errorf("persist tokens for account %d: %w", account.ID, err)
		}
		ts.mu.Lock()
		ts.cache[account.ID] = refreshed
		delete(ts.revoked, account.ID)
		ts.mu.Unlock()
		metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
		ts.log.Info("access token refreshed",
			zap.Int64("account_id", account.ID),
			zap.Time("expires_at", refreshed.ExpiresAt),
		)
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate forces the next Get for the account to refresh, e.g. after the
// API rejected a token that had not yet expired.
func (ts *TokenSource) Invalidate(accountID int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.revoked[accountID] = true
}

func refreshResult(err error) string {
	if appErrors.IsAuth(err) {
		return "auth_error"
	}
	return "transient_error"
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (ts *TokenSource) refresh(ctx context.Context, accountID int64, refreshToken string) (model.TokenSet, error) {
	if refreshToken == "" {
		return model.TokenSet{}, &appErrors.AuthError{AccountID: accountID, Reason: "no refresh token"}
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return model.TokenSet{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return model.TokenSet{}, &appErrors.TransientError{Op: "token.refresh", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.TokenSet{}, &appErrors.TransientError{Op: "token.refresh", StatusCode: resp.StatusCode, Err: err}
	}

	var body tokenResponse
	_ = json.Unmarshal(raw, &body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.TokenSet{}, &appErrors.TransientError{
			Op:         "token.refresh",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(raw))),
		}
	case resp.StatusCode >= 400:
		reason := body.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return model.TokenSet{}, &appErrors.AuthError{AccountID: accountID, Reason: reason}
	}

	if body.AccessToken == "" {
		return model.TokenSet{}, &appErrors.TransientError{Op: "token.refresh", StatusCode: resp.StatusCode, Err: fmt.Errorf("empty access token")}
	}
	set := model.TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    ts.now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
