// Package ozon implements the seller API client used by the booking engine.
//
// The client is deliberately dumb about retries: it performs exactly one
// HTTP round trip per call and hands the raw outcome back, so the engine
// can run its own negotiation and backoff on top of unmodified rejections.
package ozon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/metrics"
)

// Response is the outcome of one API call. Transport-level failures are
// reported with Status 0 rather than an error so callers branch on one shape.
type Response struct {
	OK      bool
	Status  int
	Body    map[string]any
	Raw     string
	Headers http.Header
}

// Client talks to the seller API.
type Client struct {
	baseURL  string
	clientID string
	apiKey   string
	http     *http.Client
}

// New creates a Client.
func New(baseURL, clientID, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Call performs a single JSON request. It never returns an error for HTTP
// statuses; only transport failures produce Status 0.
func (c *Client) Call(ctx context.Context, method, path string, body any) Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Response{Status: 0, Raw: fmt.Sprintf("marshal body: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Response{Status: 0, Raw: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncRemoteCall(path, "transport")
		slog.Warn("seller api transport failure", "path", path, "error", err)
		return Response{Status: 0, Raw: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncRemoteCall(path, "transport")
		return Response{Status: 0, Raw: fmt.Sprintf("read body: %v", err)}
	}

	out := Response{
		Status:  resp.StatusCode,
		Raw:     string(raw),
		Headers: resp.Header,
	}
	out.OK = resp.StatusCode >= 200 && resp.StatusCode < 300

	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		out.Body = parsed
	}

	metrics.IncRemoteCall(path, statusClass(resp.StatusCode))
	slog.Debug("seller api call", "method", method, "path", path, "status", resp.StatusCode)
	return out
}

// Download fetches a binary file (label PDFs).
func (c *Client) Download(ctx context.Context, path string) ([]byte, Response) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, Response{Status: 0, Raw: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncRemoteCall(path, "transport")
		return nil, Response{Status: 0, Raw: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Response{Status: 0, Raw: fmt.Sprintf("read body: %v", err)}
	}

	out := Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}
	out.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !out.OK {
		out.Raw = string(data)
	}
	metrics.IncRemoteCall(path, statusClass(resp.StatusCode))
	return data, out
}

func statusClass(status int) string {
	switch {
	case status == 429:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// IsRateLimited reports whether the call was rejected for rate limiting.
func (r Response) IsRateLimited() bool {
	return r.Status == 429
}

// IsTransportFailure reports whether the call never produced an HTTP status.
func (r Response) IsTransportFailure() bool {
	return r.Status == 0
}

// RetryAfter extracts the server-provided cooldown hint, if any.
func (r Response) RetryAfter() (time.Duration, bool) {
	if r.Headers == nil {
		return 0, false
	}
	for _, h := range []string{"Retry-After", "X-Ratelimit-Reset", "X-RateLimit-Reset"} {
		v := r.Headers.Get(h)
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	return 0, false
}

// OperationID extracts the async operation id from a submit response.
func (r Response) OperationID() string {
	if r.Body == nil {
		return ""
	}
	for _, key := range []string{"operation_id", "operationId", "id", "task_id"} {
		if s, ok := r.Body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ErrorMessage pulls the most specific error text out of an API response.
func (r Response) ErrorMessage() string {
	if r.Body != nil {
		for _, key := range []string{"message", "error", "error_message"} {
			if s, ok := r.Body[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if len(r.Raw) > 400 {
		return r.Raw[:400]
	}
	return r.Raw
}

// ContainsMarker reports whether the response text carries the given
// case-insensitive marker substring.
func (r Response) ContainsMarker(marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(r.Raw), strings.ToLower(marker))
}

// asInt64 converts the numeric shapes encoding/json produces into int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// asString converts a body field to string, tolerating numeric ids.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}
