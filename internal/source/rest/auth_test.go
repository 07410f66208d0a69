package rest

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chronicle/ingest-core/internal/source"
)

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/tickets", nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestBasicAuthApply(t *testing.T) {
	req := newRequest(t)
	if err := (BasicAuth{Username: "svc", Password: "secret"}).Apply(req); err != nil {
		t.Fatal(err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("svc:secret"))
	if got := req.Header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestBearerTokenApply(t *testing.T) {
	req := newRequest(t)
	if err := (BearerToken{Token: "tok-123"}).Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestAPIKeyHeaderPlacement(t *testing.T) {
	req := newRequest(t)
	if err := (APIKey{Key: "k1"}).Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("X-API-Key"); got != "k1" {
		t.Errorf("default header = %q", got)
	}

	req = newRequest(t)
	if err := (APIKey{Key: "k2", Header: "X-Custom"}).Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("X-Custom"); got != "k2" {
		t.Errorf("custom header = %q", got)
	}
}

func TestAPIKeyQueryPlacement(t *testing.T) {
	req := newRequest(t)
	if err := (APIKey{Key: "k3", Header: "X-Ignored", QueryParam: "api_key"}).Apply(req); err != nil {
		t.Fatal(err)
	}
	if got := req.URL.Query().Get("api_key"); got != "k3" {
		t.Errorf("query param = %q", got)
	}
	if req.Header.Get("X-Ignored") != "" {
		t.Error("query placement should take precedence over the header")
	}
}

func TestStaticCredentialsCannotRefresh(t *testing.T) {
	ctx := context.Background()
	for _, a := range []Auth{NoAuth{}, BasicAuth{Username: "u"}, BearerToken{Token: "t"}, APIKey{Key: "k"}} {
		if err := a.Refresh(ctx); err == nil {
			t.Errorf("%T: refresh of a static credential succeeded", a)
		}
	}
}

// One adapter serves every entity of a source, so Apply and Refresh race
// whenever parallel runs hit an expired credential. Meaningful under the
// race detector.
func TestOAuth2AuthConcurrentApplyAndRefresh(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	auth := NewOAuth2Auth("svc", "secret", srv.URL, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, "https://api.example.com/tickets", nil)
			if err != nil {
				t.Error(err)
				return
			}
			if err := auth.Apply(req); err != nil {
				t.Errorf("apply: %v", err)
			} else if req.Header.Get("Authorization") != "Bearer tok-1" {
				t.Errorf("Authorization = %q", req.Header.Get("Authorization"))
			}
		}()
		go func() {
			defer wg.Done()
			if err := auth.Refresh(ctx); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestNewAuthFromSpec(t *testing.T) {
	cases := []struct {
		spec source.AuthSpec
		want any
	}{
		{source.AuthSpec{}, NoAuth{}},
		{source.AuthSpec{Type: "none"}, NoAuth{}},
		{source.AuthSpec{Type: "basic", Username: "u", Password: "p"}, BasicAuth{Username: "u", Password: "p"}},
		{source.AuthSpec{Type: "bearer", Token: "t"}, BearerToken{Token: "t"}},
		{source.AuthSpec{Type: "apikey", Token: "k", HeaderKey: "X-K"}, APIKey{Key: "k", Header: "X-K"}},
	}
	for _, tc := range cases {
		got, err := NewAuth(tc.spec)
		if err != nil {
			t.Errorf("NewAuth(%+v): %v", tc.spec, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NewAuth(%+v) = %#v, want %#v", tc.spec, got, tc.want)
		}
	}

	if _, err := NewAuth(source.AuthSpec{Type: "oauth2"}); err == nil {
		t.Error("oauth2 without tokenUrl accepted")
	}
	if _, err := NewAuth(source.AuthSpec{Type: "kerberos"}); err == nil {
		t.Error("unsupported auth type accepted")
	}
}
