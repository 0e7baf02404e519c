package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stleox/callscope/pkg/carrier"
	"github.com/stleox/callscope/pkg/cmd/check"
	"github.com/stleox/callscope/pkg/cmd/probe"
	"github.com/stleox/callscope/pkg/cmd/relay"
	"github.com/stleox/callscope/pkg/cmd/trace"
	"github.com/stleox/callscope/pkg/cmd/traceparent"
	"github.com/stleox/callscope/pkg/sampling"

	r "github.com/stretchr/testify/require"
)

func TestTraceparent_EncodeDecode(t *testing.T) {
	out, err := mockExecute("traceparent", "encode",
		"--trace-id", "4bf92f3577b34da6a3ce929d0e0e4736",
		"--span-id", "00f067aa0ba902b7")
	r.NoError(t, err)
	r.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01\n", out)

	out, err = mockExecute("traceparent", "decode", strings.TrimSpace(out))
	r.NoError(t, err)
	r.Contains(t, out, "trace-id: 4bf92f3577b34da6a3ce929d0e0e4736")
	r.Contains(t, out, "sampled:  true")

	_, err = mockExecute("traceparent", "decode", "00-xyz-00f067aa0ba902b7-01")
	r.ErrorIs(t, err, carrier.ErrMalformed)
}

func TestTraceparent_EncodeRandom(t *testing.T) {
	out, err := mockExecute("traceparent", "encode")
	r.NoError(t, err)
	_, err = carrier.Decode(strings.TrimSpace(out))
	r.NoError(t, err)
}

func TestCheck(t *testing.T) {
	out, err := mockExecute("check", "--target", "/healthz?probe=1")
	r.NoError(t, err)
	r.Contains(t, out, "decision: NOT_RECORD")

	out, err = mockExecute("check", "--target", "/orders", "--name", "GET /orders")
	r.NoError(t, err)
	r.Contains(t, out, "decision: RECORD")
}

func TestCheck_MalformedRuleFails(t *testing.T) {
	t.Setenv("CALLSCOPE_SAMPLING_EXCLUDE_URLS", "healthz")

	_, err := mockExecute("check", "--target", "/healthz")
	r.ErrorIs(t, err, sampling.ErrInvalidRule)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, req.Header.Get(carrier.HeaderName))
	}))
	defer srv.Close()

	for _, client := range []string{"std", "resty", "retryable"} {
		out, err := mockExecute("probe", "--client", client, srv.URL+"/a", srv.URL+"/b")
		r.NoError(t, err)
		// each response is the 55 byte traceparent of its client span
		r.Contains(t, out, srv.URL+"/a\t55 bytes")
		r.Contains(t, out, srv.URL+"/b\t55 bytes")
	}

	_, err := mockExecute("probe", "--client", "curl", srv.URL)
	r.Error(t, err)
}

func TestRelay(t *testing.T) {
	out, err := mockExecute("relay", "--count", "5", "--fail", "2", "--timeout", "10s")
	r.NoError(t, err)
	r.Contains(t, out, "handled 5/5 messages in 7 deliveries")
}

func TestTrace_BadTraceID(t *testing.T) {
	_, err := mockExecute("trace", "not-a-trace-id")
	r.ErrorContains(t, err, "trace id")

	_, err = mockExecute("trace")
	r.Error(t, err)
}

func mockExecute(args ...string) (string, error) {
	vp := NewViper()
	root := New(vp)
	root.AddCommand(
		probe.New(vp),
		relay.New(vp),
		traceparent.New(),
		check.New(vp),
		trace.New(vp),
	)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
