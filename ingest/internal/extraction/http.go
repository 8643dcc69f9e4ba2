package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hazyhaar/examforge/horosafe"
)

const maxResponseBytes = 16 << 20

// HTTPAdapter posts the Request as JSON to an extraction endpoint and decodes
// the Response.
type HTTPAdapter struct {
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	Client *http.Client
}

// NewHTTPAdapter returns an adapter for endpoint.
func NewHTTPAdapter(endpoint, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{}}
}

func (a *HTTPAdapter) Extract(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("extraction: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extraction: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if a.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction: call %s: %w", a.Endpoint, err)
	}
	defer resp.Body.Close()
	payload, err := horosafe.LimitedReadAll(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("extraction: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("extraction: status %d: %s", resp.StatusCode, snippet(payload))
	}
	return Decode(payload)
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(bytes.TrimSpace(b))
}
