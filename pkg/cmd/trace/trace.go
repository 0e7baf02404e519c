package trace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/backend"
	"github.com/stleox/callscope/pkg/config"
	tr "go.opentelemetry.io/otel/trace"
)

// SpanReader reads back the stored spans of one trace, oldest first.
type SpanReader interface {
	SelectSpans(traceID string) ([]backend.SpanEntity, error)
}

func New(vp *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "trace TRACE_ID",
		Short: "Print the spans the olap exporter stored for one trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			traceID, err := tr.TraceIDFromHex(args[0])
			if err != nil {
				return fmt.Errorf("trace id %q: %w", args[0], err)
			}

			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}
			olap, err := backend.NewOlapExporter(cfg.Exporter.DSN)
			if err != nil {
				return err
			}
			defer olap.Shutdown(context.Background())

			return Print(cmd.OutOrStdout(), olap, traceID.String())
		},
	}
}

// Print writes the trace as a tree, children indented under their parent
// span. Spans whose parent is not stored are printed as roots.
func Print(out io.Writer, reader SpanReader, traceID string) error {
	spans, err := reader.SelectSpans(traceID)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		return fmt.Errorf("no spans stored for trace %s", traceID)
	}

	known := make(map[string]bool, len(spans))
	for _, s := range spans {
		known[s.ID] = true
	}
	children := map[string][]backend.SpanEntity{}
	var roots []backend.SpanEntity
	for _, s := range spans {
		if s.ParentID == "" || !known[s.ParentID] {
			roots = append(roots, s)
			continue
		}
		children[s.ParentID] = append(children[s.ParentID], s)
	}

	fmt.Fprintf(out, "trace %s, %d spans\n", traceID, len(spans))
	var walk func(s backend.SpanEntity, depth int)
	walk = func(s backend.SpanEntity, depth int) {
		line := fmt.Sprintf("%s%s [%s] %s %s", strings.Repeat("  ", depth), s.Name, s.Kind, s.Status, duration(s))
		if s.StatusMsg != "" {
			line += ": " + s.StatusMsg
		}
		fmt.Fprintln(out, line)
		for _, c := range children[s.ID] {
			walk(c, depth+1)
		}
	}
	for _, s := range roots {
		walk(s, 0)
	}
	return nil
}

func duration(s backend.SpanEntity) string {
	start, err := time.Parse(config.DATE6, s.StartTime)
	if err != nil {
		return "?"
	}
	end, err := time.Parse(config.DATE6, s.EndTime)
	if err != nil {
		return "?"
	}
	return end.Sub(start).String()
}
