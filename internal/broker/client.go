package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quantumleap/internal/logger"
	"quantumleap/internal/pkg/circuit"

	"github.com/tidwall/gjson"
)

// apiVersion is sent on every request; the broker rejects unversioned calls.
const apiVersion = "3"

// defaultExpirySeconds applies when the broker omits expires_in. Broker
// access tokens live for one trading day.
const defaultExpirySeconds = 24 * 60 * 60

// Options configures the broker client.
type Options struct {
	BaseURL          string
	LoginURL         string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client is the REST client for the external brokerage API.
type Client struct {
	baseURL    *url.URL
	loginURL   string
	httpClient *http.Client
	breaker    *circuit.Breaker
}

// NewClient constructs a broker client from configuration.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing broker base_url failed: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		loginURL:   strings.TrimSpace(opts.LoginURL),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuit.NewBreaker("broker-api", threshold, cooldown),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// LoginURL builds the interactive OAuth entry URL. state is an opaque
// anti-CSRF token (valid StateTTL); persisting and validating it is the
// caller's responsibility.
func (c *Client) LoginURL(apiKey, state, redirectURI string) string {
	q := url.Values{}
	q.Set("v", apiVersion)
	q.Set("api_key", apiKey)
	if state != "" {
		q.Set("state", state)
	}
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	return c.loginURL + "?" + q.Encode()
}

// ExchangeCode trades a one-time request code for a session. The broker
// invalidates the code on first use, so a failure here is terminal for the
// attempt: callers must restart the interactive flow, never retry the code.
func (c *Client) ExchangeCode(ctx context.Context, requestCode, apiKey, apiSecret string) (*Session, error) {
	form := url.Values{}
	form.Set("api_key", apiKey)
	form.Set("request_token", requestCode)
	form.Set("checksum", checksum(apiKey, requestCode, apiSecret))
	data, err := c.doForm(ctx, "/session/token", form, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	return parseSession(data), nil
}

// Refresh exchanges a refresh token for a new session. The response may
// omit a rotated refresh token; callers keep the prior one in that case.
func (c *Client) Refresh(ctx context.Context, refreshToken, apiKey, apiSecret string) (*Session, error) {
	form := url.Values{}
	form.Set("api_key", apiKey)
	form.Set("refresh_token", refreshToken)
	form.Set("checksum", checksum(apiKey, refreshToken, apiSecret))
	data, err := c.doForm(ctx, "/session/refresh_token", form, "")
	if err != nil {
		return nil, err
	}
	return parseSession(data), nil
}

// Invalidate performs a best-effort remote logout. It never reports an
// error: the local token deletion is what actually achieves the security
// objective, remote invalidation is advisory.
func (c *Client) Invalidate(ctx context.Context, accessToken, apiKey string) {
	endpoint := *c.baseURL
	endpoint.Path = joinPath(endpoint.Path, "/session/token")
	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("access_token", accessToken)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint.String(), nil)
	if err != nil {
		logger.Warnf("broker: building invalidate request failed: %v", err)
		return
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warnf("broker: remote token invalidation failed (ignored): %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warnf("broker: remote token invalidation returned %s (ignored)", resp.Status)
	}
}

// TestConnection fetches the user profile as a lightweight liveness probe.
func (c *Client) TestConnection(ctx context.Context, accessToken, apiKey string) (*Profile, error) {
	data, err := c.doGet(ctx, "/user/profile", apiKey, accessToken)
	if err != nil {
		return nil, err
	}
	return &Profile{
		BrokerUserID: gjson.GetBytes(data, "user_id").String(),
		UserName:     gjson.GetBytes(data, "user_name").String(),
		Email:        gjson.GetBytes(data, "email").String(),
		Broker:       gjson.GetBytes(data, "broker").String(),
	}, nil
}

// FetchHoldings returns the raw holdings payload.
func (c *Client) FetchHoldings(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error) {
	return c.doGet(ctx, "/portfolio/holdings", apiKey, accessToken)
}

// FetchPositions returns the raw positions payload.
func (c *Client) FetchPositions(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error) {
	return c.doGet(ctx, "/portfolio/positions", apiKey, accessToken)
}

// FetchOrders returns the raw orders payload.
func (c *Client) FetchOrders(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error) {
	return c.doGet(ctx, "/orders", apiKey, accessToken)
}

// FetchMargins returns the raw margins payload.
func (c *Client) FetchMargins(ctx context.Context, accessToken, apiKey string) (json.RawMessage, error) {
	return c.doGet(ctx, "/user/margins", apiKey, accessToken)
}

func (c *Client) doGet(ctx context.Context, path, apiKey, accessToken string) (json.RawMessage, error) {
	auth := fmt.Sprintf("token %s:%s", apiKey, accessToken)
	return c.do(ctx, http.MethodGet, path, nil, "", auth)
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values, auth string) (json.RawMessage, error) {
	body := form.Encode()
	return c.do(ctx, http.MethodPost, path, strings.NewReader(body), "application/x-www-form-urlencoded", auth)
}

// do issues one request and unwraps the broker's response envelope. Failed
// requests come back as *APIError with a classification kind attached.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType, auth string) (json.RawMessage, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("broker client not initialized")
	}
	endpoint := *c.baseURL
	endpoint.Path = joinPath(endpoint.Path, path)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building broker request failed: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	var out json.RawMessage
	err = c.breaker.Do(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &APIError{Kind: KindNetwork, Message: err.Error()}
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &APIError{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: err.Error()}
		}
		if apiErr := classifyResponse(resp.StatusCode, raw); apiErr != nil {
			return apiErr
		}
		// Success envelope: {"status":"success","data":{...}}.
		if data := gjson.GetBytes(raw, "data"); data.Exists() {
			out = json.RawMessage(data.Raw)
		} else {
			out = json.RawMessage(raw)
		}
		return nil
	}, func(err error) bool {
		// Auth rejections mean the upstream is healthy; only transport
		// level failures should trip the breaker.
		return Classify(err) == KindNetwork
	})
	if err != nil {
		if errors.Is(err, circuit.ErrOpen) {
			return nil, &APIError{Kind: KindNetwork, Message: "broker temporarily unavailable (circuit open)"}
		}
		return nil, err
	}
	return out, nil
}

func checksum(apiKey, token, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + token + apiSecret))
	return hex.EncodeToString(sum[:])
}

func parseSession(data json.RawMessage) *Session {
	expiresIn := gjson.GetBytes(data, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = defaultExpirySeconds
	}
	tokenType := gjson.GetBytes(data, "token_type").String()
	if tokenType == "" {
		tokenType = "access_token"
	}
	return &Session{
		AccessToken:  gjson.GetBytes(data, "access_token").String(),
		RefreshToken: gjson.GetBytes(data, "refresh_token").String(),
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		BrokerUserID: gjson.GetBytes(data, "user_id").String(),
		UserName:     gjson.GetBytes(data, "user_name").String(),
	}
}

func joinPath(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
