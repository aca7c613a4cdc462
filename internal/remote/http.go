package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPStore implements Store against the backend's REST surface. All failures
// are classified at this boundary: transport problems become NetworkError,
// non-2xx responses become BackendError.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type selectRequest struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter"`
}

type selectResponse struct {
	Rows []Row `json:"rows"`
}

type upsertRequest struct {
	Table       string `json:"table"`
	Rows        []Row  `json:"rows"`
	ConflictKey string `json:"conflict_key"`
}

type deleteRequest struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

func (s *HTTPStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	var resp selectResponse
	if err := s.post(ctx, "/api/store/select", selectRequest{Table: table, Filter: filter}, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (s *HTTPStore) Upsert(ctx context.Context, table string, rows []Row, conflictKey string) error {
	return s.post(ctx, "/api/store/upsert", upsertRequest{Table: table, Rows: rows, ConflictKey: conflictKey}, nil)
}

func (s *HTTPStore) Delete(ctx context.Context, table string, filter Filter) error {
	return s.post(ctx, "/api/store/delete", deleteRequest{Table: table, Filter: filter}, nil)
}

func (s *HTTPStore) RPC(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	var resp rpcResponse
	if err := s.post(ctx, "/api/rpc/"+name, args, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *HTTPStore) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return &BackendError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{Status: resp.StatusCode, Message: "malformed response body"}
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no error body"
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(data))
}
