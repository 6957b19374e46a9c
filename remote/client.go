package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Request is one outbound operation. Endpoint is joined onto the client's
// base URL when relative.
type Request struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	Body     []byte
}

// Client pushes queued operations to the RehabFlow API.
type Client interface {
	Push(ctx context.Context, req Request) error
}

type HTTPClient struct {
	BaseURL string
	Header  http.Header // static headers, e.g. authorization
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Header:  http.Header{},
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Push sends the request and expects a 2xx. Any other outcome maps onto the
// taxonomy in errors.go.
func (c *HTTPClient) Push(ctx context.Context, req Request) error {
	target, err := c.resolve(req.Endpoint)
	if err != nil {
		return &ValidationError{URL: req.Endpoint, Status: 0, Detail: err.Error()}
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return &ValidationError{URL: target, Status: 0, Detail: err.Error()}
	}
	hreq.Header.Set("Content-Type", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{URL: target, Err: err}
		}
		return &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{URL: target, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &ValidationError{URL: target, Status: resp.StatusCode, Detail: string(body)}
	default:
		return &NetworkError{URL: target, Status: resp.StatusCode}
	}
}

func (c *HTTPClient) resolve(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if base.String() == "" {
		return "", fmt.Errorf("no base URL for relative endpoint %q", endpoint)
	}
	return base.ResolveReference(ref).String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
