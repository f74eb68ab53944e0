// Package transport carries provider resource calls over HTTP.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
)

const KindREST = "rest"

const defaultClientTimeout = 30 * time.Second
const defaultMaxResponseBody int64 = 10 << 20

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter sends a core.TransportRequest and returns the raw response.
// Status codes are left for the caller to classify.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		MaxResponseBodyBytes: defaultMaxResponseBody,
	}
}

func (*RESTAdapter) Kind() string { return KindREST }

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	meta := map[string]any{"adapter": KindREST}
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, failMisconfigured.raise(nil, "transport: rest adapter requires an http client", meta)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return core.TransportResponse{}, failBadRequest.raise(err, "transport: build request", meta)
	}
	meta["method"] = httpReq.Method
	meta["host"] = httpReq.URL.Host

	started := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, failUnreachable.raise(err, "transport: execute http request", meta)
	}
	defer httpRes.Body.Close()
	meta["status_code"] = httpRes.StatusCode

	limit := a.bodyLimit(req.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.TransportResponse{}, failUnreachable.raise(err, "transport: read response body", meta)
	}
	if int64(len(body)) > limit {
		meta["limit_bytes"] = limit
		return core.TransportResponse{}, failOversized.raise(nil, fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit), meta)
	}

	headers := make(map[string]string, len(httpRes.Header))
	for name, values := range httpRes.Header {
		headers[name] = strings.Join(values, ",")
	}
	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    headers,
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"kind":        KindREST,
		},
	}, nil
}

// newRequest resolves the method, merges req.Query into the URL and applies
// default headers before request headers.
func (a *RESTAdapter) newRequest(ctx context.Context, req core.TransportRequest) (*http.Request, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("request url is required")
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		values := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				values.Set(key, strings.TrimSpace(value))
			}
		}
		target.RawQuery = values.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for _, set := range []map[string]string{a.DefaultHeaders, req.Headers} {
		for key, value := range set {
			if key = strings.TrimSpace(key); key != "" {
				httpReq.Header.Set(key, strings.TrimSpace(value))
			}
		}
	}
	return httpReq, nil
}

func (a *RESTAdapter) bodyLimit(requested int64) int64 {
	switch {
	case requested > 0:
		return requested
	case a.MaxResponseBodyBytes > 0:
		return a.MaxResponseBodyBytes
	default:
		return defaultMaxResponseBody
	}
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
