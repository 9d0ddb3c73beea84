package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const defaultTimeout = 5 * time.Second

// Options configures the transport shared by the HTTP adapters.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// APIError is a non-2xx response from a platform API.
type APIError struct {
	Platform string
	Method   string
	Path     string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Platform, e.Method, e.Path, e.Status, e.Body)
}

type restClient struct {
	name    string
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	auth    func(*http.Request)
}

type request struct {
	method string
	path   string
	query  url.Values
	json   any
	form   url.Values
	header http.Header
}

// 外嵌熔断器: 只有 Transient 错误计入失败
func newBreaker(name string, log *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !platform.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	})
}

// guarded runs fn under the breaker with a per-call timeout.
func guarded(ctx context.Context, name string, cb *gobreaker.CircuitBreaker, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return platform.MarkTransient(fmt.Errorf("%s: %w", name, err))
	}
	return err
}

func newRestClient(name string, opts Options, auth func(*http.Request), log *logrus.Logger) *restClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &restClient{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		cb:      newBreaker(name, log),
		timeout: timeoutOrDefault(opts.Timeout),
		auth:    auth,
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}

// call runs one request under the breaker and a per-call timeout, decoding a
// 2xx JSON body into out when out is non-nil.
func (c *restClient) call(ctx context.Context, req request, out any) error {
	return guarded(ctx, c.name, c.cb, c.timeout, func(ctx context.Context) error {
		return c.do(ctx, req, out)
	})
}

func (c *restClient) do(ctx context.Context, req request, out any) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.json != nil:
		data, err := json.Marshal(req.json)
		if err != nil {
			return platform.MarkPermanent(err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.form != nil:
		body = strings.NewReader(req.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return platform.MarkPermanent(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.auth != nil {
		c.auth(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		// 连接失败 / 超时
		return platform.MarkTransient(fmt.Errorf("%s %s %s: %w", c.name, req.method, req.path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return platform.MarkTransient(fmt.Errorf("%s %s %s: read body: %w", c.name, req.method, req.path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(&APIError{
			Platform: c.name,
			Method:   req.method,
			Path:     req.path,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(data)),
		})
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return platform.MarkPermanent(fmt.Errorf("%s %s %s: decode response: %w", c.name, req.method, req.path, err))
	}
	return nil
}

func classifyStatus(apiErr *APIError) error {
	switch {
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", platform.ErrNotFound, apiErr)
	case apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%w: %w", platform.ErrConflict, apiErr)
	case apiErr.Status == http.StatusRequestTimeout,
		apiErr.Status == http.StatusTooManyRequests,
		apiErr.Status >= 500:
		return platform.MarkTransient(apiErr)
	default:
		return platform.MarkPermanent(apiErr)
	}
}

func (c *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, request{method: http.MethodGet, path: path, query: query}, out)
}

func (c *restClient) postJSON(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, request{method: http.MethodPost, path: path, json: in}, out)
}

func (c *restClient) putJSON(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, request{method: http.MethodPut, path: path, json: in}, out)
}

func (c *restClient) delete(ctx context.Context, path string) error {
	return c.call(ctx, request{method: http.MethodDelete, path: path}, nil)
}

// ignoreNotFound turns "already gone" into success for revoke-style calls.
func ignoreNotFound(err error) error {
	if errors.Is(err, platform.ErrNotFound) {
		return nil
	}
	return err
}

// ignoreConflict turns "already a member" into success for grant-style calls.
func ignoreConflict(err error) error {
	if errors.Is(err, platform.ErrConflict) {
		return nil
	}
	return err
}
