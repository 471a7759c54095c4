// Package tokencache acquires and caches the service token used to call
// the deployment engine. Concurrent refreshes collapse into one
// network exchange.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// Cache implements [domain.TokenSource] with a client-credentials
// exchange. A token is refreshed RefreshBuffer before its expiry so
// in-flight engine calls never carry a token about to lapse.
type Cache struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Audience is sent with the exchange when the engine's issuer
	// scopes tokens to an audience. Empty means the form omits it.
	Audience string

	RefreshBuffer time.Duration
	HTTP          *http.Client
	Now           func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New returns a Cache with a 30 second refresh buffer.
func New(tokenURL, clientID, clientSecret string) *Cache {
	return &Cache{
		TokenURL:      tokenURL,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		RefreshBuffer: 30 * time.Second,
		HTTP:          &http.Client{Timeout: 10 * time.Second},
		Now:           time.Now,
	}
}

// AccessToken returns a valid token, exchanging credentials if the
// cached one is missing or near expiry. If the exchange fails but the
// cached token is still strictly valid, the cached token is served.
func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	if token, ok := c.cached(c.RefreshBuffer); ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if token, ok := c.cached(c.RefreshBuffer); ok {
			return token, nil
		}
		return c.exchange(ctx)
	})
	if err == nil {
		return v.(string), nil
	}

	// Within the buffer window a failed refresh is not fatal yet.
	if token, ok := c.cached(0); ok {
		return token, nil
	}
	return "", fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, err)
}

func (c *Cache) cached(buffer time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !c.Now().Add(buffer).Before(c.expiry) {
		return "", false
	}
	return c.token, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Cache) exchange(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	if c.Audience != "" {
		form.Set("audience", c.Audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" || out.ExpiresIn <= 0 {
		return "", fmt.Errorf("token response missing access_token or expires_in")
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.expiry = c.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return out.AccessToken, nil
}
