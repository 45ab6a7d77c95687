package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beefsync/costengine/internal/domain"
)

// Gateway wire paths, served by internal/api.
const (
	GatewayCostsPath  = "/gateway/costs"
	GatewayHealthPath = "/health"
)

// WriteResponse is the body returned by POST /gateway/costs.
type WriteResponse struct {
	ID string `json:"id"`
}

// QueryResponse is the body returned by GET /gateway/costs.
type QueryResponse struct {
	Entries []*domain.CostEntry `json:"entries"`
}

// HTTPGateway implements domain.CostGateway against a remote cost API
// speaking JSON over HTTP.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway creates a gateway for baseURL. A zero timeout means 10s.
func NewHTTPGateway(baseURL string, timeout time.Duration) (*HTTPGateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Write posts one entry and returns the ID the remote side assigned.
func (g *HTTPGateway) Write(ctx context.Context, entry *domain.CostEntry) (string, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+GatewayCostsPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out WriteResponse
	if err := g.do(req, http.StatusCreated, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("gateway returned no entry ID")
	}
	return out.ID, nil
}

// Query fetches entries, optionally for one animal.
func (g *HTTPGateway) Query(ctx context.Context, filter domain.CostFilter) ([]*domain.CostEntry, error) {
	endpoint := g.baseURL + GatewayCostsPath
	if filter.AnimalID != "" {
		endpoint += "?" + url.Values{"animalId": {filter.AnimalID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var out QueryResponse
	if err := g.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Ping checks the remote health endpoint.
func (g *HTTPGateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+GatewayHealthPath, nil)
	if err != nil {
		return err
	}
	return g.do(req, http.StatusOK, nil)
}

// Close releases idle connections.
func (g *HTTPGateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *HTTPGateway) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(req, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// statusError turns an unexpected response into an error. Rejections the
// remote ledger will repeat on retry keep their domain meaning.
func statusError(req *http.Request, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: remote rejected %s %s: %s", domain.ErrInvalidInput, req.Method, req.URL.Path, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s %s: %s", domain.ErrNotFound, req.Method, req.URL.Path, msg)
	}
	return fmt.Errorf("%s %s: unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
}
