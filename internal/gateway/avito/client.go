// Package avito implements gateway.Gateway against the Avito HTTP API:
// OAuth client-credentials tokens, active-listing enumeration, and the CPX
// Promo daily budget/limit endpoints.
package avito

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sellerbot/internal/gateway"
	logx "sellerbot/pkg/logx"
)

const (
	defaultBaseURL = "https://api.avito.ru"
	defaultMaxItems = 500

	// tokens are refreshed this long before they expire
	tokenRefreshBuffer = 60 * time.Second
)

type Config struct {
	BaseURL  string
	TokenURL string // defaults to <BaseURL>/token
	MaxItems int
}

type Client struct {
	cfg  Config
	http *http.Client
	sink gateway.TokenSink
	log  logx.Logger
}

func New(cfg Config, sink gateway.TokenSink, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = cfg.BaseURL + "/token"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		sink: sink,
		log:  log,
	}
}

// Token returns a valid access token for the tenant, fetching a new one via
// client_credentials when the cached token is absent or near expiry. Fresh
// tokens are persisted through the sink so restarts reuse them.
func (c *Client) Token(ctx context.Context, cred gateway.Credentials) (string, error) {
	if cred.AccessToken != "" && !cred.ExpiresAt.IsZero() {
		if time.Now().UTC().Before(cred.ExpiresAt.Add(-tokenRefreshBuffer)) {
			return cred.AccessToken, nil
		}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)

	if c.sink != nil {
		if err := c.sink.SaveToken(ctx, cred.TenantID, body.AccessToken, expiresAt); err != nil {
			c.log.Warn("token persist failed", logx.Int64("tenant", cred.TenantID), logx.Err(err))
		}
	}
	return body.AccessToken, nil
}

// ActiveListings pages through /core/v1/items?status=active and returns up
// to MaxItems listing ids.
func (c *Client) ActiveListings(ctx context.Context, token string) ([]int64, error) {
	const perPage = 100
	var ids []int64
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/core/v1/items?status=active&per_page=%d&page=%d", c.cfg.BaseURL, perPage, page)
		var body struct {
			Resources []struct {
				ID int64 `json:"id"`
			} `json:"resources"`
		}
		if err := c.getJSON(ctx, token, u, &body); err != nil {
			return nil, fmt.Errorf("list items page %d: %w", page, err)
		}
		for _, r := range body.Resources {
			ids = append(ids, r.ID)
			if len(ids) >= c.cfg.MaxItems {
				return ids, nil
			}
		}
		if len(body.Resources) < perPage {
			return ids, nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, token, url string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &gateway.RateLimitedError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
