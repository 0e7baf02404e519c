package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/cmd/check"
	"github.com/stleox/callscope/pkg/cmd/probe"
	"github.com/stleox/callscope/pkg/cmd/relay"
	"github.com/stleox/callscope/pkg/cmd/trace"
	"github.com/stleox/callscope/pkg/cmd/traceparent"
	"github.com/stleox/callscope/pkg/config"
)

var configFile string

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config") // name of config file (without extension)
	vp.SetConfigType("yaml")   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")      // look for a config in the working directory first

	// read config from environment variables
	vp.SetEnvPrefix("callscope") // env var must start with CALLSCOPE_
	// replace - and . by _ for environment variable names
	// (eg: the env var for exporter.queue-size is CALLSCOPE_EXPORTER_QUEUE_SIZE)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vp.AutomaticEnv() // read in environment variables that match
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "callscope",
		Short:         "Instrument calls with sampled, propagated spans",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.InitLogger()
			if config.Debug {
				logrus.Info("enabled debug mode")
			}

			if configFile != "" {
				vp.SetConfigFile(configFile)
			}
			if err := vp.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if configFile != "" || !errors.As(err, &notFound) {
					return err
				}
				logrus.Debug("callscope runs without a config file")
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	// debug flag
	flags.BoolVar(&config.Debug, "debug", false, "Enable debug mode")
	flags.StringVar(&configFile, "config", "", "Config file (default ./config.yaml)")
	flags.String("exporter", config.ExporterNone, "Span exporter: otlp, stdout, olap or none")
	flags.String("endpoint", config.DefaultExporter().Endpoint, "OTLP gRPC collector endpoint")
	_ = vp.BindPFlag("exporter.kind", flags.Lookup("exporter"))
	_ = vp.BindPFlag("exporter.endpoint", flags.Lookup("endpoint"))
	return root
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(
		probe.New(vp),
		relay.New(vp),
		traceparent.New(),
		check.New(vp),
		trace.New(vp),
	)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("callscope failed")
		os.Exit(1)
	}
}
