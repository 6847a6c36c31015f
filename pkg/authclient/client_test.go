package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthServer mimics the auth service endpoints with rotating tokens.
type fakeAuthServer struct {
	mu            sync.Mutex
	issued        int
	refreshCalls  int
	logoutCalls   int
	validAccess   string
	validRefresh  string
	expiresIn     int64
	rejectRefresh bool
}

func (f *fakeAuthServer) issue() (string, string) {
	f.issued++
	f.validAccess = fmt.Sprintf("access-%d", f.issued)
	f.validRefresh = fmt.Sprintf("refresh-%d", f.issued)
	return f.validAccess, f.validRefresh
}

func (f *fakeAuthServer) writePair(w http.ResponseWriter, status int) {
	access, refresh := f.issue()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"user": map[string]any{"id": 1, "email": "user@example.com"},
		"tokens": map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "bearer",
			"expires_in":    f.expiresIn,
		},
	})
}

func (f *fakeAuthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "Str0ng!pass" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_credentials"})
			return
		}
		f.writePair(w, http.StatusOK)
	})
	mux.HandleFunc("/v1/auth/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writePair(w, http.StatusCreated)
	})
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refreshCalls++
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if f.rejectRefresh || body["refresh_token"] != f.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_refresh"})
			return
		}
		f.writePair(w, http.StatusOK)
	})
	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.logoutCalls++
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/resource", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+f.validAccess {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestPair(t *testing.T, expiresIn int64, opts ...Option) (*Client, *fakeAuthServer, *httptest.Server) {
	t.Helper()
	fake := &fakeAuthServer{expiresIn: expiresIn}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, opts...), fake, srv
}

func TestLoginStoresPair(t *testing.T) {
	client, fake, _ := newTestPair(t, 900)

	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	tok, err := client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, 0, fake.refreshCalls, "fresh token must not trigger a refresh")
}

func TestLoginFailureSurfacesCode(t *testing.T) {
	client, _, _ := newTestPair(t, 900)

	err := client.Login(context.Background(), "user@example.com", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid_credentials", apiErr.Code)
}

func TestAccessTokenRefreshesProactively(t *testing.T) {
	// expires_in below the lookahead forces a rotation on first use.
	client, fake, _ := newTestPair(t, 30)

	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	tok, err := client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.refreshCalls)
	assert.Equal(t, "access-2", tok)
}

func TestAccessTokenWithoutSession(t *testing.T) {
	client, _, _ := newTestPair(t, 900)
	_, err := client.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
}

func TestDoRetriesOnceAfter401(t *testing.T) {
	client, fake, srv := newTestPair(t, 900)
	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	// Invalidate the access token server-side; the refresh token stays good.
	fake.mu.Lock()
	fake.validAccess = "rotated-away"
	fake.mu.Unlock()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/resource", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fake.refreshCalls)
}

func TestRefreshRejectionLogsOut(t *testing.T) {
	var loggedOut sync.WaitGroup
	loggedOut.Add(1)
	client, fake, _ := newTestPair(t, 30, WithLoggedOutFunc(func() { loggedOut.Done() }))

	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	fake.mu.Lock()
	fake.rejectRefresh = true
	fake.mu.Unlock()

	_, err := client.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)

	done := make(chan struct{})
	go func() { loggedOut.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logged-out callback never fired")
	}

	// The dead session is gone; further calls fail locally.
	_, err = client.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, 1, fake.refreshCalls)
}

func TestLogoutClearsState(t *testing.T) {
	client, fake, _ := newTestPair(t, 900)
	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	require.NoError(t, client.Logout(context.Background()))
	assert.Equal(t, 1, fake.logoutCalls)

	_, err := client.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)

	// Logging out twice is a local no-op.
	require.NoError(t, client.Logout(context.Background()))
	assert.Equal(t, 1, fake.logoutCalls)
}

func TestDoReplaysBody(t *testing.T) {
	client, fake, srv := newTestPair(t, 900)
	require.NoError(t, client.Login(context.Background(), "user@example.com", "Str0ng!pass"))

	fake.mu.Lock()
	fake.validAccess = "rotated-away"
	fake.mu.Unlock()

	// Requests built from a reader via http.NewRequest get a GetBody, so the
	// retry can replay the payload.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/resource", strings.NewReader(`{"k":"v"}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
