// Package transport instruments outbound calls: HTTP through three client
// libraries, and unary gRPC.
package transport

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/carrier"
	"github.com/stleox/callscope/pkg/config"
	"go.opentelemetry.io/otel/propagation"
)

// Sender performs one HTTP exchange and writes the active trace context of
// the request's context into its headers on the way out.
type Sender interface {
	Send(req *http.Request) (*http.Response, error)
	Name() string
}

// stdSender propagates through the otel TraceContext propagator.
type stdSender struct {
	client     *http.Client
	propagator propagation.TextMapPropagator
}

func NewStdSender(client *http.Client) Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &stdSender{client: client, propagator: propagation.TraceContext{}}
}

func (s *stdSender) Name() string { return "net/http" }

func (s *stdSender) Send(req *http.Request) (*http.Response, error) {
	s.propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	return s.client.Do(req)
}

// restySender has no propagation hook, the codec writes the header.
type restySender struct {
	client *resty.Client
}

func NewRestySender(client *resty.Client) Sender {
	if client == nil {
		client = resty.New()
	}
	return &restySender{client: client}
}

func (s *restySender) Name() string { return "resty" }

func (s *restySender) Send(req *http.Request) (*http.Response, error) {
	carrier.Inject(req.Context(), req.Header)

	r := s.client.R().
		SetContext(req.Context()).
		SetHeaderMultiValues(req.Header).
		SetDoNotParseResponse(true)
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		r.SetBody(body)
	}

	resp, err := r.Execute(req.Method, req.URL.String())
	if err != nil {
		return nil, err
	}
	return resp.RawResponse, nil
}

// retryableSender has no propagation hook either. Every retry carries the
// same traceparent, retries stay inside the one client span.
type retryableSender struct {
	client *retryablehttp.Client
}

func NewRetryableSender(client *retryablehttp.Client) Sender {
	if client == nil {
		client = NewRetryableClient(config.HTTP{RetryMax: 2})
	}
	return &retryableSender{client: client}
}

// NewRetryableClient builds a retryablehttp client logging through logrus.
func NewRetryableClient(cfg config.HTTP) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.Logger = leveledLogrus{}
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	return c
}

func (s *retryableSender) Name() string { return "retryablehttp" }

func (s *retryableSender) Send(req *http.Request) (*http.Response, error) {
	carrier.Inject(req.Context(), req.Header)

	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return s.client.Do(rreq)
}

// leveledLogrus routes retryablehttp logs into logrus.
type leveledLogrus struct{}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

func (leveledLogrus) Error(msg string, kv ...interface{}) { logrus.WithFields(fields(kv)).Error(msg) }
func (leveledLogrus) Warn(msg string, kv ...interface{})  { logrus.WithFields(fields(kv)).Warn(msg) }
func (leveledLogrus) Info(msg string, kv ...interface{})  { logrus.WithFields(fields(kv)).Debug(msg) }
func (leveledLogrus) Debug(msg string, kv ...interface{}) { logrus.WithFields(fields(kv)).Debug(msg) }
