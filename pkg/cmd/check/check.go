package check

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/backend"
	"github.com/stleox/callscope/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
)

var checkOpts struct {
	target    string
	name      string
	statement string
	operation string
}

func New(vp *viper.Viper) *cobra.Command {
	check := &cobra.Command{
		Use:   "check",
		Short: "Load the sampling rules and print the decision for one unit of work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}
			policy := cfg.Policy()

			var attrs []attribute.KeyValue
			if checkOpts.target != "" {
				attrs = append(attrs, semconv.HTTPTargetKey.String(checkOpts.target))
			}
			if checkOpts.statement != "" {
				attrs = append(attrs, semconv.DBStatementKey.String(checkOpts.statement))
			}
			if checkOpts.operation != "" {
				attrs = append(attrs, semconv.DBOperationKey.String(checkOpts.operation))
			}

			_, traceID := backend.NewIDGenerator().Reserve(context.Background())
			decision := policy.Evaluate(traceID, checkOpts.name, tr.SpanKindInternal, attrs)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sampler:  %s\n", policy.Description())
			fmt.Fprintf(out, "trace-id: %s\n", traceID)
			fmt.Fprintf(out, "decision: %s\n", decision)
			return nil
		},
	}

	f := check.Flags()
	f.StringVar(&checkOpts.target, "target", "", "HTTP target, e.g. /healthz")
	f.StringVar(&checkOpts.name, "name", "", "Span name")
	f.StringVar(&checkOpts.statement, "statement", "", "Database statement")
	f.StringVar(&checkOpts.operation, "operation", "", "Database operation, e.g. PING")
	return check
}
