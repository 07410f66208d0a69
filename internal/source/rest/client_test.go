package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chronicle/ingest-core/internal/core"
)

func testClient(serverURL string) *Client {
	cfg := DefaultClientConfig()
	cfg.BaseURL = serverURL
	cfg.RateLimit = 1000
	cfg.RateBurst = 1000
	return NewClient(cfg)
}

func TestClientClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, core.CodeAuthExpired},
		{http.StatusTooManyRequests, core.CodeRateLimited},
		{http.StatusNotFound, core.CodePermanent},
		{http.StatusUnprocessableEntity, core.CodePermanent},
		{http.StatusInternalServerError, core.CodeTransient},
		{http.StatusBadGateway, core.CodeTransient},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := testClient(server.URL)
		_, err := c.Get(context.Background(), "/tickets", nil)
		server.Close()
		if err == nil {
			t.Errorf("status %d: no error", tc.status)
			continue
		}
		if got := core.CodeOf(err); got != tc.code {
			t.Errorf("status %d classified %s, want %s", tc.status, got, tc.code)
		}
	}
}

func TestClientRetryAfterSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.Get(context.Background(), "/tickets", nil)
	if err == nil {
		t.Fatal("429 returned no error")
	}
	if hint := core.RetryAfterHint(err); hint != 17*time.Second {
		t.Fatalf("hint = %v, want 17s", hint)
	}
}

func TestClientSendsHeadersAndAuth(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.BaseURL = server.URL
	cfg.RateLimit = 1000
	cfg.RateBurst = 1000
	cfg.Auth = BearerToken{Token: "tok"}
	cfg.Headers["X-Tenant"] = "acme"
	c := NewClient(cfg)

	if _, err := c.Get(context.Background(), "/tickets", nil); err != nil {
		t.Fatal(err)
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("X-Tenant") != "acme" {
		t.Errorf("X-Tenant = %q", got.Get("X-Tenant"))
	}
	if got.Get("User-Agent") != "ChronicleIngest/1.0" {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
}

func TestClientConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	c := testClient(server.URL)
	_, err := c.Get(context.Background(), "/tickets", nil)
	if err == nil {
		t.Fatal("request against a closed server succeeded")
	}
	if core.CodeOf(err) != core.CodeTransient {
		t.Fatalf("connection failure classified %s", core.CodeOf(err))
	}
}
