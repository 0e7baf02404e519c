package traceparent

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stleox/callscope/pkg/backend"
	"github.com/stleox/callscope/pkg/carrier"
	tr "go.opentelemetry.io/otel/trace"
)

var encodeOpts struct {
	traceID string
	spanID  string
	sampled bool
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traceparent",
		Short: "Encode or decode a W3C traceparent",
	}
	cmd.AddCommand(newEncode(), newDecode())
	return cmd
}

func newEncode() *cobra.Command {
	encode := &cobra.Command{
		Use:   "encode",
		Short: "Encode ids into a traceparent, random ids when omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids := backend.NewIDGenerator()
			traceID, spanID := ids.NewIDs(context.Background())

			if encodeOpts.traceID != "" {
				if err := decodeHex(encodeOpts.traceID, traceID[:]); err != nil {
					return fmt.Errorf("--trace-id: %w", err)
				}
			}
			if encodeOpts.spanID != "" {
				if err := decodeHex(encodeOpts.spanID, spanID[:]); err != nil {
					return fmt.Errorf("--span-id: %w", err)
				}
			}
			if !traceID.IsValid() || !spanID.IsValid() {
				return fmt.Errorf("ids must not be all zeros")
			}

			var flags tr.TraceFlags
			if encodeOpts.sampled {
				flags = tr.FlagsSampled
			}
			fmt.Fprintln(cmd.OutOrStdout(), carrier.Encode(traceID, spanID, flags))
			return nil
		},
	}
	f := encode.Flags()
	f.StringVar(&encodeOpts.traceID, "trace-id", "", "Trace id, 32 hex digits")
	f.StringVar(&encodeOpts.spanID, "span-id", "", "Span id, 16 hex digits")
	f.BoolVar(&encodeOpts.sampled, "sampled", true, "Set the sampled flag")
	return encode
}

func newDecode() *cobra.Command {
	return &cobra.Command{
		Use:   "decode TRACEPARENT",
		Short: "Decode a traceparent and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := carrier.Decode(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "trace-id: %s\n", p.TraceID)
			fmt.Fprintf(out, "span-id:  %s\n", p.SpanID)
			fmt.Fprintf(out, "sampled:  %t\n", p.Flags.IsSampled())
			return nil
		},
	}
}

func decodeHex(s string, dst []byte) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("want %d hex digits, got %d", 2*len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
