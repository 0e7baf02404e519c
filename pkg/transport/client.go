package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stleox/callscope/pkg/span"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
)

const keyHTTPClient = attribute.Key("http.client")

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client wraps every exchange of its sender in a CLIENT span.
type Client struct {
	sender Sender
	w      *span.Wrapper
}

func NewClient(w *span.Wrapper, sender Sender) *Client {
	return &Client{sender: sender, w: w}
}

func (c *Client) Sender() Sender {
	return c.sender
}

// Do sends req under a span named "HTTP <METHOD>". An error status is
// marked on the span but is not an error to the caller.
func (c *Client) Do(req *http.Request) (*Response, error) {
	return span.Run(req.Context(), c.w, c.call(req), func(ctx context.Context) (*Response, error) {
		return c.send(req.WithContext(ctx))
	})
}

func (c *Client) Get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

func (c *Client) Post(ctx context.Context, url, contentType string, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// GetAll issues the GETs concurrently under one INTERNAL span and returns
// the bodies in url order.
func (c *Client) GetAll(ctx context.Context, urls ...string) ([]string, error) {
	branches := make([]span.Branch[*Response], 0, len(urls))
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		branches = append(branches, span.Branch[*Response]{
			Call: c.call(req),
			Do: func(ctx context.Context) (*Response, error) {
				return c.send(req.WithContext(ctx))
			},
		})
	}

	resps, err := span.FanOut(ctx, c.w, span.Call[[]*Response]{
		Name:       "http.fanout",
		Kind:       tr.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.Int("http.fanout.count", len(urls))},
	}, branches...)
	if err != nil {
		return nil, err
	}

	bodies := make([]string, len(resps))
	for i, resp := range resps {
		bodies[i] = string(resp.Body)
	}
	return bodies, nil
}

func (c *Client) send(req *http.Request) (*Response, error) {
	resp, err := c.sender.Send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) call(req *http.Request) span.Call[*Response] {
	return span.Call[*Response]{
		Name:       "HTTP " + req.Method,
		Kind:       tr.SpanKindClient,
		Attributes: requestAttributes(req, c.sender.Name()),
		Result: func(resp *Response) []attribute.KeyValue {
			if resp == nil {
				return nil
			}
			return []attribute.KeyValue{
				semconv.HTTPStatusCodeKey.Int(resp.StatusCode),
				semconv.HTTPResponseContentLengthKey.Int(len(resp.Body)),
			}
		},
		Classify: func(resp *Response) error {
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
}

func requestAttributes(req *http.Request, client string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.HTTPMethodKey.String(req.Method),
		semconv.HTTPURLKey.String(req.URL.Redacted()),
		semconv.HTTPSchemeKey.String(req.URL.Scheme),
		semconv.HTTPTargetKey.String(req.URL.RequestURI()),
		semconv.NetPeerNameKey.String(req.URL.Hostname()),
		keyHTTPClient.String(client),
	}
	if port := peerPort(req); port > 0 {
		attrs = append(attrs, semconv.NetPeerPortKey.Int(port))
	}
	if req.ContentLength > 0 {
		attrs = append(attrs, semconv.HTTPRequestContentLengthKey.Int64(req.ContentLength))
	}
	return attrs
}

func peerPort(req *http.Request) int {
	if p := req.URL.Port(); p != "" {
		port, _ := strconv.Atoi(p)
		return port
	}
	switch req.URL.Scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}
