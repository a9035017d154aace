package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfulware/companionapi/lib/logctx"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(logctx.DiscardHandler)
	}
	if cfg.Backend == nil {
		cfg.Backend = &fakeBackend{loginResult: testLoginResult()}
	}
	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServer_RequiresBackend(t *testing.T) {
	_, err := NewServer(context.Background(), ServerConfig{})
	require.Error(t, err)
}

func TestServer_StatusAndLogin(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	res, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var status StatusChangeBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.False(t, status.LoggedIn)

	body := bytes.NewBufferString(`{"username": "kirsten", "password": "pw"}`)
	res, err = http.Post(ts.URL+"/login", "application/json", body)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.True(t, status.LoggedIn)
}

func TestServer_HostCheck(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{
		AllowedHosts: []string{"localhost"},
	})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Host = "evil.example.com"
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	req.Host = "localhost:3284"
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{
		Auth: &AuthConfig{APIKey: "secret", Required: true},
	})

	res, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// The docs surface stays open.
	res, err = http.Get(ts.URL + "/openapi.json")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestServer_EventsAuthViaQueryParam(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{
		Auth: &AuthConfig{APIKey: "secret", Required: true},
	})

	// EventSource clients cannot set headers; /events accepts the key as
	// a query parameter instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?api_key=secret", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")
}

func TestServer_GetOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	schema := srv.GetOpenAPI()
	for _, operation := range []string{"login", "createMessage", "getMessages", "getStatus", "toggleReflection", "logout", "subscribeEvents"} {
		assert.True(t, strings.Contains(schema, operation), "schema should mention %s", operation)
	}
}
