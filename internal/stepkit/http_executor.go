package stepkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor runs the "http" worker id: an HTTP call built from the
// job's input.
//
// Input:
//   - method (string): HTTP method, default GET
//   - url (string): request URL, required
//   - headers (map[string]any): request headers
//   - body (any): request body, marshaled to JSON
//   - timeout_sec (number): request timeout, default 30
//
// Output:
//   - status_code (int)
//   - headers (map[string]string)
//   - body (any): parsed JSON, or the raw string if not JSON
//
// A response status >= 400 is a logical failure: it is returned in
// outputs, not as an error, so the caller can inspect status_code
// before deciding to retry.
type HTTPExecutor struct {
	// Client overrides the default http.Client; nil uses &http.Client{}.
	Client *http.Client
}

func (e *HTTPExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	method := getString(input, "method", "GET")
	url := getString(input, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout(input))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := input["body"]; ok && body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	setHeaders(req, input)
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	return buildOutputs(resp, respBody), nil
}

func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsed,
	}
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func getTimeout(input map[string]any) time.Duration {
	if v, ok := input["timeout_sec"]; ok {
		switch n := v.(type) {
		case float64:
			if n > 0 {
				return time.Duration(n * float64(time.Second))
			}
		case int:
			if n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return defaultHTTPTimeout
}

func setHeaders(req *http.Request, input map[string]any) {
	headers, ok := input["headers"]
	if !ok || headers == nil {
		return
	}
	switch h := headers.(type) {
	case map[string]any:
		for key, v := range h {
			if s, ok := v.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, v := range h {
			req.Header.Set(key, v)
		}
	}
}
