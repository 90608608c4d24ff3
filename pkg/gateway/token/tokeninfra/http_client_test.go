package tokeninfra_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway/token"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokeninfra"
)

func tokenEndpoint(t *testing.T, status int, payload any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefresh_ThroughService(t *testing.T) {
	service := tokenEndpoint(t, http.StatusOK, token.TokenSet{
		AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600, Scope: "read",
	})
	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)

	set, method, err := client.Refresh(context.Background(), token.ClientCredentials{
		ClientID: "c", ClientSecret: "s", TokenURL: "http://provider.invalid/token",
	}, "refresh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != token.MethodService {
		t.Fatalf("expected service method, got %s", method)
	}
	if set.AccessToken != "at" || set.ExpiresIn != 3600 {
		t.Fatalf("unexpected token set: %+v", set)
	}
}

func TestRefresh_FallsBackWhenServiceIsDown(t *testing.T) {
	provider := tokenEndpoint(t, http.StatusOK, token.TokenSet{AccessToken: "direct-at"})

	// A closed listener stands in for a dead internal service.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	client := tokeninfra.NewHTTPTokenClient(dead.URL, 5*time.Second)
	set, method, err := client.Refresh(context.Background(), token.ClientCredentials{
		ClientID: "c", ClientSecret: "s", TokenURL: provider.URL,
	}, "refresh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != token.MethodDirect {
		t.Fatalf("expected direct fallback, got %s", method)
	}
	if set.AccessToken != "direct-at" {
		t.Fatalf("unexpected token set: %+v", set)
	}
}

func TestRefresh_FallsBackOnServiceError(t *testing.T) {
	service := tokenEndpoint(t, http.StatusServiceUnavailable, map[string]string{"error": "service_unavailable"})
	provider := tokenEndpoint(t, http.StatusOK, token.TokenSet{AccessToken: "direct-at"})

	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)
	set, method, err := client.Refresh(context.Background(), token.ClientCredentials{
		ClientID: "c", ClientSecret: "s", TokenURL: provider.URL,
	}, "refresh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != token.MethodDirect || set.AccessToken != "direct-at" {
		t.Fatalf("expected direct fallback, got method=%s set=%+v", method, set)
	}
}

func TestRefresh_ProviderRejectionNeverFallsBack(t *testing.T) {
	// The service relays the provider's invalid_grant. Retrying it directly
	// would just replay a dead grant, so the client must not.
	service := tokenEndpoint(t, http.StatusBadRequest, map[string]string{
		"error": "invalid_grant", "error_description": "refresh token revoked",
	})

	var directCalls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directCalls.Add(1)
	}))
	t.Cleanup(provider.Close)

	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)
	_, method, err := client.Refresh(context.Background(), token.ClientCredentials{
		ClientID: "c", ClientSecret: "s", TokenURL: provider.URL,
	}, "refresh-1")

	if !errx.IsCode(err, token.CodeInvalidRefreshToken.Code) {
		t.Fatalf("expected invalid refresh token, got %v", err)
	}
	if !token.IsTerminal(err) {
		t.Fatal("invalid_grant must classify as terminal")
	}
	if method != token.MethodService {
		t.Fatalf("expected service method on rejection, got %s", method)
	}
	if directCalls.Load() != 0 {
		t.Fatalf("direct endpoint must not be called, got %d calls", directCalls.Load())
	}
}

func TestRefresh_InvalidClientIsTerminal(t *testing.T) {
	service := tokenEndpoint(t, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)

	_, _, err := client.Refresh(context.Background(), token.ClientCredentials{ClientID: "c", ClientSecret: "s"}, "r")
	if !errx.IsCode(err, token.CodeInvalidClient.Code) || !token.IsTerminal(err) {
		t.Fatalf("expected terminal invalid client, got %v", err)
	}
}

func TestRefresh_RateLimitIsTransient(t *testing.T) {
	service := tokenEndpoint(t, http.StatusTooManyRequests, map[string]string{})
	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)

	_, _, err := client.Refresh(context.Background(), token.ClientCredentials{ClientID: "c", ClientSecret: "s", TokenURL: ""}, "r")
	if !errx.IsCode(err, token.CodeProviderRateLimit.Code) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if token.IsTerminal(err) {
		t.Fatal("a rate limit must not classify as terminal")
	}
}

func TestRefresh_NoFallbackEndpointConfigured(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	client := tokeninfra.NewHTTPTokenClient(dead.URL, time.Second)
	_, method, err := client.Refresh(context.Background(), token.ClientCredentials{ClientID: "c", ClientSecret: "s"}, "r")
	if !errx.IsCode(err, token.CodeServiceUnavailable.Code) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if method != token.MethodDirect {
		t.Fatalf("expected direct method on exhausted fallback, got %s", method)
	}
}

func TestRefresh_SuccessWithoutAccessTokenRejected(t *testing.T) {
	service := tokenEndpoint(t, http.StatusOK, map[string]string{"scope": "read"})
	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)

	_, _, err := client.Refresh(context.Background(), token.ClientCredentials{ClientID: "c", ClientSecret: "s"}, "r")
	if !errx.IsCode(err, token.CodeUnknown.Code) {
		t.Fatalf("expected unknown failure for tokenless 2xx, got %v", err)
	}
}

func TestExchange_SendsAuthorizationCodeGrant(t *testing.T) {
	var gotGrant, gotCode, gotRedirect string
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotGrant = r.PostForm.Get("grant_type")
		gotCode = r.PostForm.Get("code")
		gotRedirect = r.PostForm.Get("redirect_uri")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(token.TokenSet{AccessToken: "at"})
	}))
	t.Cleanup(service.Close)

	client := tokeninfra.NewHTTPTokenClient(service.URL, 5*time.Second)
	_, _, err := client.Exchange(context.Background(), token.ClientCredentials{ClientID: "c", ClientSecret: "s"}, "the-code", "https://gw/cb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotGrant != "authorization_code" || gotCode != "the-code" || gotRedirect != "https://gw/cb" {
		t.Fatalf("unexpected form: grant=%q code=%q redirect=%q", gotGrant, gotCode, gotRedirect)
	}
}
