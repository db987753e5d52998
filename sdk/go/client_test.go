package crmflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListProposalsSendsQueryAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/proposals", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "p1", "status": "pending", "entity_type": "note"}},
			"total": 1, "page": 1, "pageSize": 5, "totalPages": 1,
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "secret"
	page, err := c.ListProposals(context.Background(), ListOptions{Status: "pending", PageSize: 5})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p1", page.Items[0].ID)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"validation_blocked","message":"validation errors block approval"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	_, err := c.Approve(context.Background(), "p1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_blocked", apiErr.Code)
}

func TestTriggerJobIgnoresBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs/orgs/trigger", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job":"orgs","status":"started"}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).TriggerJob(context.Background(), "orgs"))
}
