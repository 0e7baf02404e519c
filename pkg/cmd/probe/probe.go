package probe

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/cmd/common"
	"github.com/stleox/callscope/pkg/config"
	"github.com/stleox/callscope/pkg/transport"
)

const (
	clientStd       = "std"
	clientResty     = "resty"
	clientRetryable = "retryable"
)

var (
	clientName string

	// client flags
	clientFlags = pflag.NewFlagSet("client", pflag.ContinueOnError)
)

func init() {
	clientFlags.StringVar(&clientName, "client", clientStd, "HTTP client library: std, resty or retryable")
}

// NewSender builds the sender named by --client.
func NewSender(name string, cfg config.HTTP) (transport.Sender, error) {
	switch name {
	case clientStd, "":
		return transport.NewStdSender(&http.Client{Timeout: cfg.Timeout}), nil
	case clientResty:
		return transport.NewRestySender(resty.New().SetTimeout(cfg.Timeout)), nil
	case clientRetryable:
		return transport.NewRetryableSender(transport.NewRetryableClient(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown client %q (valid: std, resty, retryable)", name)
	}
}

func New(vp *viper.Viper) *cobra.Command {
	probe := &cobra.Command{
		Use:   "probe URL...",
		Short: "Issue instrumented GETs, fanned out when several URLs are given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			rt, err := common.Setup(ctx, vp, "callscope/probe")
			if err != nil {
				return err
			}
			defer rt.Close()

			sender, err := NewSender(clientName, rt.Config.HTTP)
			if err != nil {
				return err
			}
			client := transport.NewClient(rt.Wrapper, sender)

			var bodies []string
			if len(args) == 1 {
				body, err := client.Get(ctx, args[0])
				if err != nil {
					return err
				}
				bodies = []string{body}
			} else {
				bodies, err = client.GetAll(ctx, args...)
				if err != nil {
					return err
				}
			}

			for i, body := range bodies {
				logrus.WithField("url", args[i]).WithField("bytes", len(body)).Debug("callscope probe response")
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", args[i], len(body))
			}
			return nil
		},
	}
	probe.Flags().AddFlagSet(clientFlags)
	return probe
}
