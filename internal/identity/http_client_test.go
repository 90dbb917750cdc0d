package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newIdentityServer(t *testing.T, verify http.HandlerFunc, follow http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	if verify != nil {
		mux.HandleFunc("POST /v1/verify", verify)
	}
	if follow != nil {
		mux.HandleFunc("GET /v1/users/{user}/follows/{owner}", follow)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPClientVerify(t *testing.T) {
	server := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode verify request: %v", err)
		}
		if req.Token != "tok-1" {
			t.Errorf("token = %q", req.Token)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer service-token" {
			t.Errorf("authorization header = %q", got)
		}
		json.NewEncoder(w).Encode(verifyResponse{UserID: "user-1", DisplayName: "Casey"})
	}, nil)

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Token: "service-token"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	id, err := client.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.DisplayName != "Casey" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestHTTPClientVerifyMapsStatusCodes(t *testing.T) {
	status := http.StatusUnauthorized
	server := newIdentityServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}, nil)
	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	if _, err := client.Verify(context.Background(), "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("401 error = %v, want ErrTokenInvalid", err)
	}

	status = http.StatusForbidden
	if _, err := client.Verify(context.Background(), "tok"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("403 error = %v, want ErrTokenExpired", err)
	}

	status = http.StatusInternalServerError
	_, err = client.Verify(context.Background(), "tok")
	if err == nil || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) {
		t.Fatalf("500 error = %v, want opaque failure", err)
	}
}

func TestHTTPClientVerifyRejectsEmptySubject(t *testing.T) {
	server := newIdentityServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(verifyResponse{})
	}, nil)
	client, _ := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})

	if _, err := client.Verify(context.Background(), "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("error = %v, want ErrTokenInvalid", err)
	}
}

func TestHTTPClientIsFollowing(t *testing.T) {
	server := newIdentityServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("user") != "viewer-1" || r.PathValue("owner") != "owner-1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(followResponse{Following: true})
	})
	client, _ := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})

	following, err := client.IsFollowing(context.Background(), "viewer-1", "owner-1")
	if err != nil {
		t.Fatalf("IsFollowing: %v", err)
	}
	if !following {
		t.Fatal("expected following = true")
	}

	// An absent edge reads as not following, not as an error.
	following, err = client.IsFollowing(context.Background(), "viewer-2", "owner-1")
	if err != nil {
		t.Fatalf("IsFollowing missing edge: %v", err)
	}
	if following {
		t.Fatal("expected following = false for missing edge")
	}
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPClient(HTTPClientConfig{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
