package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaozhi/devlink/pkg/logger"
)

// Valid HTTP methods
var validHTTPMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Response is a decoded JSON object returned by the device API.
type Response map[string]any

// Status returns the "status" field ("success", "ok", "error", ...), or "".
func (r Response) Status() string {
	s, _ := r["status"].(string)
	return s
}

// String returns a string field, or "".
func (r Response) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Decode converts the response into v, typically a struct.
func (r Response) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to re-encode response: %w", err)
	}

	return json.Unmarshal(data, v)
}

// Request calls the device API. path is relative to the API prefix, e.g.
// "/system/info". body is JSON-encoded for POST and PUT when non-nil.
// Non-2xx answers return *APIError. Requests are never retried.
func (m *Manager) Request(ctx context.Context, method, path string, body any) (Response, error) {
	method = strings.ToUpper(method)
	if !validHTTPMethods[method] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	var reader io.Reader

	if body != nil && (method == http.MethodPost || method == http.MethodPut) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, method, m.httpBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	if h := m.authorizationHeader(); h != "" {
		req.Header.Set("Authorization", h)
	}

	log := logger.With("request_id", requestID, "method", method, "path", path)
	log.Debug("API request")

	start := time.Now()

	resp, err := m.http.Do(req)
	if err != nil {
		log.Error("API request failed", "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	//nolint:errcheck // Best-effort close of HTTP response body
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	log = log.With("status_code", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			StatusText: statusText(resp),
			Body:       string(data),
		}
		log.Warn("API request rejected", "error", apiErr)

		return nil, apiErr
	}

	var result Response
	if err := json.Unmarshal(data, &result); err != nil {
		log.Error("API response is not a JSON object", "error", err)
		return nil, fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
	}

	if _, ok := result["status"]; !ok {
		log.Warn("API response missing status field")
	}

	log.Debug("API response")

	return result, nil
}

// statusText prefers the server's reason phrase over the canonical one.
func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != "" && text != resp.Status {
		return text
	}

	return http.StatusText(resp.StatusCode)
}
