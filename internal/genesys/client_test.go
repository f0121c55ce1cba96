package genesys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTokenSourceCachesAndRefreshes(t *testing.T) {
	var issued atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		n := issued.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+n)),
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	cfg := Config{
		LoginBaseURL: ts.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		HTTPTimeout:  5 * time.Second,
	}
	source := newTokenSource(&http.Client{Timeout: 5 * time.Second}, cfg, zerolog.Nop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	source.now = func() time.Time { return current }

	first, err := source.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := source.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second || issued.Load() != 1 {
		t.Fatalf("token not cached: %q vs %q, issued = %d", first, second, issued.Load())
	}

	// Inside the 60 s refresh margin the cached token is stale.
	current = base.Add(3600*time.Second - 30*time.Second)
	third, err := source.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third == first || issued.Load() != 2 {
		t.Fatalf("token not refreshed near expiry: issued = %d", issued.Load())
	}

	source.Invalidate()
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if issued.Load() != 3 {
		t.Fatalf("invalidate did not force refresh: issued = %d", issued.Load())
	}
}

func TestClientRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
			return
		}
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer ts.Close()

	cfg := Config{
		LoginBaseURL:     ts.URL,
		APIBaseURL:       ts.URL,
		ClientID:         "client",
		ClientSecret:     "secret",
		HTTPTimeout:      5 * time.Second,
		RetryMaxAttempts: 5,
		RetryBackoff:     time.Millisecond,
	}
	client := NewClient(cfg, zerolog.Nop())

	var out map[string]any
	if err := client.requestJSON(context.Background(), http.MethodGet, ts.URL+"/api/v2/thing", requestOpts{}, &out); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
			return
		}
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	cfg := Config{
		LoginBaseURL:     ts.URL,
		APIBaseURL:       ts.URL,
		ClientID:         "client",
		ClientSecret:     "secret",
		HTTPTimeout:      5 * time.Second,
		RetryMaxAttempts: 5,
		RetryBackoff:     time.Millisecond,
	}
	client := NewClient(cfg, zerolog.Nop())

	if _, err := client.request(context.Background(), http.MethodGet, ts.URL+"/api/v2/thing", requestOpts{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		expected := float64(base) * float64(int(1)<<(attempt-1))
		for i := 0; i < 50; i++ {
			d := float64(retryDelay(base, attempt))
			if d < expected*0.8 || d > expected*1.2 {
				t.Fatalf("attempt %d delay %v outside +/-20%% of %v", attempt, time.Duration(d), time.Duration(expected))
			}
		}
	}
}

func TestIngestForwarder(t *testing.T) {
	t.Run("sends_token_header", func(t *testing.T) {
		var gotToken atomic.Value
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotToken.Store(r.Header.Get("X-Cloud-Token"))
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		f := NewIngestForwarder(ts.URL, "ingest-token", 5*time.Second, 2, time.Millisecond, zerolog.Nop())
		if err := f.Forward(context.Background(), map[string]any{"call_id": "c-1"}); err != nil {
			t.Fatal(err)
		}
		if gotToken.Load() != "ingest-token" {
			t.Errorf("X-Cloud-Token = %v", gotToken.Load())
		}
	})

	t.Run("retries_then_succeeds", func(t *testing.T) {
		var calls atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		f := NewIngestForwarder(ts.URL, "", 5*time.Second, 3, time.Millisecond, zerolog.Nop())
		if err := f.Forward(context.Background(), map[string]any{"call_id": "c-1"}); err != nil {
			t.Fatal(err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})

	t.Run("gives_up_on_bad_request", func(t *testing.T) {
		var calls atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, `{"detail":"Missing call_id"}`, http.StatusBadRequest)
		}))
		defer ts.Close()

		f := NewIngestForwarder(ts.URL, "", 5*time.Second, 3, time.Millisecond, zerolog.Nop())
		if err := f.Forward(context.Background(), map[string]any{}); err == nil {
			t.Fatal("expected error")
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}
