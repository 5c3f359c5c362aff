package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPClient talks to the backend's JSON API. All query and mutation
// calls go through it; realtime delivery is handled separately by
// RealtimeClient.
type HTTPClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *log.Logger
}

func NewHTTPClient(baseURL, token string, logger *log.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		log:     logger,
	}
}

type queryRequest struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter,omitempty"`
}

type insertRequest struct {
	Table string `json:"table"`
	Row   Row    `json:"row"`
}

type updateRequest struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter,omitempty"`
	Patch  Row    `json:"patch"`
}

type deleteRequest struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter,omitempty"`
}

type apiErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (c *HTTPClient) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	var rows []Row
	if err := c.post(ctx, "/api/query", queryRequest{Table: table, Filter: filter}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) Insert(ctx context.Context, table string, row Row) (Row, error) {
	var stored Row
	if err := c.post(ctx, "/api/insert", insertRequest{Table: table, Row: row}, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *HTTPClient) Update(ctx context.Context, table string, filter Filter, patch Row) ([]Row, error) {
	var rows []Row
	if err := c.post(ctx, "/api/update", updateRequest{Table: table, Filter: filter, Patch: patch}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) Delete(ctx context.Context, table string, filter Filter) ([]Row, error) {
	var rows []Row
	if err := c.post(ctx, "/api/delete", deleteRequest{Table: table, Filter: filter}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return NewTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return NewStatusError(resp.StatusCode, "")
		}
		return NewStatusError(resp.StatusCode, apiErr.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
