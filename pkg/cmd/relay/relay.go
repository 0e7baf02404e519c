package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/cmd/common"
	"github.com/stleox/callscope/pkg/queue"
)

var relayOpts struct {
	queue   string
	count   int
	fail    int
	timeout time.Duration
}

func New(vp *viper.Viper) *cobra.Command {
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Enqueue messages and consume them through the instrumented broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, relayOpts.timeout)
			defer cancelTimeout()

			rt, err := common.Setup(ctx, vp, "callscope/relay")
			if err != nil {
				return err
			}
			defer rt.Close()

			broker, err := queue.NewBroker(rt.Config.Queue)
			if err != nil {
				return err
			}
			system := rt.Config.Queue.Broker
			producer := queue.NewProducer(rt.Wrapper, broker, system)
			consumer, err := queue.NewConsumer(rt.Wrapper, broker, system, rt.Config.Queue)
			if err != nil {
				return err
			}

			for i := 0; i < relayOpts.count; i++ {
				id, err := producer.Enqueue(ctx, relayOpts.queue, []byte(fmt.Sprintf("message %d", i)))
				if err != nil {
					return err
				}
				logrus.WithField("message", id).Debug("callscope enqueued message")
			}

			// the first --fail deliveries error out to exercise retries
			var handled, delivered atomic.Int64
			listenCtx, stop := context.WithCancel(ctx)
			defer stop()
			go func() {
				for listenCtx.Err() == nil {
					if handled.Load() >= int64(relayOpts.count) {
						stop()
						return
					}
					time.Sleep(10 * time.Millisecond)
				}
			}()
			err = consumer.Listen(listenCtx, relayOpts.queue, func(ctx context.Context, msg *queue.Message) error {
				if delivered.Add(1) <= int64(relayOpts.fail) {
					return errors.New("injected failure")
				}
				handled.Add(1)
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "handled %d/%d messages in %d deliveries\n",
				handled.Load(), relayOpts.count, delivered.Load())
			if ctx.Err() != nil && handled.Load() < int64(relayOpts.count) {
				return fmt.Errorf("relay stopped early: %w", ctx.Err())
			}
			return nil
		},
	}

	flags := relay.Flags()
	flags.StringVar(&relayOpts.queue, "queue", "callscope.relay", "Queue name")
	flags.IntVar(&relayOpts.count, "count", 10, "Messages to relay")
	flags.IntVar(&relayOpts.fail, "fail", 0, "Deliveries to fail before handling succeeds")
	flags.DurationVar(&relayOpts.timeout, "timeout", 30*time.Second, "Give up after this long")
	return relay
}
