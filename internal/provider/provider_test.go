package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var q Query
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "organization", q.EntityType)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"fields": map[string]any{"company": "Acme"}},
			{"fields": map[string]any{"company": "Globex"}},
			{"fields": map[string]any{"company": "Initech"}},
		}})
	}))
	defer srv.Close()

	c := NewSearchClient(srv.URL, "k", NewHTTPClient(time.Second))
	res, err := c.Discover(context.Background(), Query{EntityType: "organization", Query: "robotics", Limit: 2})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Acme", res[0].Fields["company"])
}

func TestSearchErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearchClient(srv.URL, "", nil).Discover(context.Background(), Query{Query: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestLLMComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "small", req.Model)
		require.Len(t, req.Messages, 2)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  3 proposals wait.  "}}]}`))
	}))
	defer srv.Close()

	out, err := NewLLMClient(srv.URL, "k", "small", nil).Complete(context.Background(), "be brief", "summarize")
	require.NoError(t, err)
	assert.Equal(t, "3 proposals wait.", out)
}

func TestLLMTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewLLMClient(srv.URL, "", "m", NewHTTPClient(20*time.Millisecond)).Complete(context.Background(), "", "hi")
	var perr *Error
	require.True(t, errors.As(err, &perr))
}
