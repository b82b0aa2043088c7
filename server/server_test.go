package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftd"
)

func newTestServer(t *testing.T, tokens []string) (*httptest.Server, *driftd.Resolver) {
	t.Helper()

	constant := func(v any) driftd.ComputeFunc {
		return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
			return driftd.Computed{Payload: v}, nil
		}
	}

	graph, err := driftd.Build([]driftd.Declaration{
		{ID: "spec", Compute: constant(12.5)},
		{ID: "rabi", Parents: map[string]string{"spec": "spec"}, Compute: constant(3.1)},
		{ID: "doomed", Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
			return driftd.Computed{}, fmt.Errorf("instrument offline")
		}},
	}, driftd.NewHookRegistry())
	require.NoError(t, err)

	resolver := driftd.NewResolver(graph, driftd.NewMemoryStore())
	srv := httptest.NewServer(New(resolver, tokens, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, resolver
}

func doRequest(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := make(map[string]any)
	if len(data) > 0 {
		doc, err := oj.Parse(data)
		require.NoError(t, err)
		body, _ = doc.(map[string]any)
	}
	return resp, body
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, []string{"s3cret"})
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, int64(3), body["features"])
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, []string{"s3cret", "backup"})

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "guess", http.StatusUnauthorized},
		{"valid token", "s3cret", http.StatusOK},
		{"second valid token", "backup", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doRequest(t, http.MethodGet, srv.URL+"/v1/features", tt.token)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAuthDisabledWithoutTokens(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/v1/features", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, []string{"s3cret"})

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/features/rabi/resolve", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rabi", body["id"])
	assert.Equal(t, 3.1, body["payload"])
	assert.NotEmpty(t, body["timestamp"])

	resp, body = doRequest(t, http.MethodPost, srv.URL+"/v1/features/ghost/resolve", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_feature", body["error"])

	resp, body = doRequest(t, http.MethodPost, srv.URL+"/v1/features/doomed/resolve", "s3cret")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "compute_failure", body["error"])
}

func TestPeekEndpoint(t *testing.T) {
	srv, resolver := newTestServer(t, []string{"s3cret"})

	// Peek never computes.
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/features/spec", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "record_absent", body["error"])

	_, err := resolver.Resolve(context.Background(), "spec")
	require.NoError(t, err)

	resp, body = doRequest(t, http.MethodGet, srv.URL+"/v1/features/spec", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 12.5, body["payload"])

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/v1/features/ghost", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExpireEndpoint(t *testing.T) {
	srv, resolver := newTestServer(t, []string{"s3cret"})

	first, err := resolver.Resolve(context.Background(), "spec")
	require.NoError(t, err)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/features/spec/expire", "s3cret")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["expired"])

	second, err := resolver.Resolve(context.Background(), "spec")
	require.NoError(t, err)
	assert.True(t, second.NewerThan(first))

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/v1/features/ghost/expire", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFeatures(t *testing.T) {
	srv, _ := newTestServer(t, []string{"s3cret"})

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/features", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	features, ok := body["features"].([]any)
	require.True(t, ok)
	require.Len(t, features, 3)

	rabi, ok := features[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rabi", rabi["id"])
	parents, ok := rabi["parents"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "spec", parents["spec"])
}

func TestRecentRecords(t *testing.T) {
	srv, resolver := newTestServer(t, []string{"s3cret"})

	_, err := resolver.Resolve(context.Background(), "rabi")
	require.NoError(t, err)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/records/recent?limit=1", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records, ok := body["records"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
	rec, _ := records[0].(map[string]any)
	assert.Equal(t, "rabi", rec["id"])

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/v1/records/recent?limit=zero", "s3cret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
