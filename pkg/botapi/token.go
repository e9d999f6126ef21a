// Package botapi is the send-side collaborator: app-credential token
// acquisition and REST message delivery to the platform.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elainabot/elaina/pkg/logger"
)

const defaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

// earlyRefresh renews the token this long before its announced expiry, so a
// request never goes out with a token about to lapse mid-flight.
const earlyRefresh = 60 * time.Second

// TokenManager exchanges app credentials for an access token and caches it
// until shortly before expiry.
type TokenManager struct {
	appID    string
	secret   string
	tokenURL string
	client   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(appID, secret string) *TokenManager {
	return &TokenManager{
		appID:    appID,
		secret:   secret,
		tokenURL: defaultTokenURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a valid access token, refreshing it when the cached one is
// absent or near expiry.
func (t *TokenManager) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.expiresAt.Add(-earlyRefresh)) {
		return t.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"appId":        t.appID,
		"clientSecret": t.secret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, data)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token: %s", data)
	}

	ttl := 7200
	if parsed.ExpiresIn != "" {
		if n, err := strconv.Atoi(parsed.ExpiresIn); err == nil && n > 0 {
			ttl = n
		}
	}

	t.token = parsed.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	logger.DebugC("botapi", "access token refreshed, valid for %ds", ttl)
	return t.token, nil
}

// Invalidate drops the cached token so the next call refetches.
func (t *TokenManager) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}
