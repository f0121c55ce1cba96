package genesys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tokenSource caches a client-credentials access token and refreshes it
// 60 seconds before expiry. Invalidate drops the cached token after a 401.
type tokenSource struct {
	mu     sync.Mutex
	http   *http.Client
	log    zerolog.Logger
	cfg    Config
	now    func() time.Time
	notify func(expiresAt time.Time)

	token     string
	expiresAt time.Time
}

const tokenRefreshMargin = 60 * time.Second

func newTokenSource(httpClient *http.Client, cfg Config, log zerolog.Logger) *tokenSource {
	return &tokenSource{
		http: httpClient,
		log:  log,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiresAt.Add(-tokenRefreshMargin)) {
		return t.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.cfg.LoginBaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(t.cfg.ClientID + ":" + t.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read oauth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth token request: status %d: %s", resp.StatusCode, responseSnippet(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode oauth response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("oauth response missing access_token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	if expiresIn < 60 {
		expiresIn = 60
	}

	t.token = strings.TrimSpace(payload.AccessToken)
	t.expiresAt = t.now().Add(time.Duration(expiresIn) * time.Second)
	t.log.Info().Int("expires_in", expiresIn).Msg("genesys oauth token refreshed")
	if t.notify != nil {
		t.notify(t.expiresAt)
	}
	return t.token, nil
}

func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}
