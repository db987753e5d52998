package provider

import (
	"context"
	"net/http"
)

// Query is one discovery request.
type Query struct {
	EntityType string `json:"entity_type"`
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
}

// Candidate is one record returned by discovery. EntityID is set when the
// record matches an existing entity (an update or delete candidate).
type Candidate struct {
	EntityID string         `json:"entity_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// SearchClient calls a discovery service exposing POST /search.
type SearchClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewSearchClient(baseURL, apiKey string, client *http.Client) *SearchClient {
	return &SearchClient{BaseURL: baseURL, APIKey: apiKey, HTTPClient: client}
}

func (c *SearchClient) Discover(ctx context.Context, q Query) ([]Candidate, error) {
	var resp struct {
		Results []Candidate `json:"results"`
	}
	call := caller{name: "search", baseURL: c.BaseURL, apiKey: c.APIKey, client: c.HTTPClient}
	if err := call.post(ctx, "search", q, &resp); err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(resp.Results) > q.Limit {
		resp.Results = resp.Results[:q.Limit]
	}
	return resp.Results, nil
}
