package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/sampling"
)

// for root
var (
	Debug = false
)

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterOlap   = "olap"
	ExporterNone   = "none"

	OverflowDropOldest = "drop-oldest"
	OverflowBlock      = "block"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// for DB
var (
	// 测试账号
	CALLSCOPE_DEFAULT_DSN = "root:@tcp(127.0.0.1:9030)/callscope"

	// DATETIME(6) 列的格式
	DATE6 = "2006-01-02 15:04:05.000000"
)

type Config struct {
	ServiceName    string         `mapstructure:"service-name"`
	ServiceVersion string         `mapstructure:"service-version"`
	StatsSchedule  string         `mapstructure:"stats-schedule"`
	Sampling       sampling.Rules `mapstructure:"sampling"`
	Exporter       Exporter       `mapstructure:"exporter"`
	Queue          Queue          `mapstructure:"queue"`
	HTTP           HTTP           `mapstructure:"http"`

	policy *sampling.Policy
}

// Exporter configures the span batch processor and its destination.
type Exporter struct {
	Kind          string        `mapstructure:"kind"`
	Endpoint      string        `mapstructure:"endpoint"`
	Insecure      bool          `mapstructure:"insecure"`
	DSN           string        `mapstructure:"dsn"`
	QueueSize     int           `mapstructure:"queue-size"`
	Overflow      string        `mapstructure:"overflow"`
	BlockTimeout  time.Duration `mapstructure:"block-timeout"`
	MaxBatchSize  int           `mapstructure:"max-batch-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	ExportTimeout time.Duration `mapstructure:"export-timeout"`
	MaxRetries    int           `mapstructure:"max-retries"`
	RetryInterval time.Duration `mapstructure:"retry-interval"`
}

type Queue struct {
	Broker       string        `mapstructure:"broker"`
	RedisAddr    string        `mapstructure:"redis-addr"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max-retries"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	DedupSize    int           `mapstructure:"dedup-size"`
}

type HTTP struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry-max"`
}

// DefaultExporter mirrors the batch settings of the otel SDK defaults,
// bounded retries on top.
func DefaultExporter() Exporter {
	return Exporter{
		Kind:          ExporterNone,
		Endpoint:      "localhost:4317",
		Insecure:      true,
		DSN:           CALLSCOPE_DEFAULT_DSN,
		QueueSize:     2048,
		Overflow:      OverflowDropOldest,
		BlockTimeout:  100 * time.Millisecond,
		MaxBatchSize:  512,
		FlushInterval: 5 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 500 * time.Millisecond,
	}
}

func DefaultQueue() Queue {
	return Queue{
		Broker:       BrokerMemory,
		RedisAddr:    "127.0.0.1:6379",
		Concurrency:  4,
		MaxRetries:   3,
		PollInterval: 100 * time.Millisecond,
		DedupSize:    1024,
	}
}

// SetDefaults registers every key so env vars and partial files work.
func SetDefaults(vp *viper.Viper) {
	rules := sampling.DefaultRules()
	exp := DefaultExporter()
	q := DefaultQueue()

	vp.SetDefault("service-name", "callscope")
	vp.SetDefault("service-version", "0.1.0")
	vp.SetDefault("stats-schedule", "@every 30s")

	vp.SetDefault("sampling.exclude-urls", rules.ExcludeURLs)
	vp.SetDefault("sampling.exclude-operations", rules.ExcludeOperations)
	vp.SetDefault("sampling.exclude-span-names", rules.ExcludeSpanNames)
	vp.SetDefault("sampling.ratio", rules.Ratio)

	vp.SetDefault("exporter.kind", exp.Kind)
	vp.SetDefault("exporter.endpoint", exp.Endpoint)
	vp.SetDefault("exporter.insecure", exp.Insecure)
	vp.SetDefault("exporter.dsn", exp.DSN)
	vp.SetDefault("exporter.queue-size", exp.QueueSize)
	vp.SetDefault("exporter.overflow", exp.Overflow)
	vp.SetDefault("exporter.block-timeout", exp.BlockTimeout)
	vp.SetDefault("exporter.max-batch-size", exp.MaxBatchSize)
	vp.SetDefault("exporter.flush-interval", exp.FlushInterval)
	vp.SetDefault("exporter.export-timeout", exp.ExportTimeout)
	vp.SetDefault("exporter.max-retries", exp.MaxRetries)
	vp.SetDefault("exporter.retry-interval", exp.RetryInterval)

	vp.SetDefault("queue.broker", q.Broker)
	vp.SetDefault("queue.redis-addr", q.RedisAddr)
	vp.SetDefault("queue.concurrency", q.Concurrency)
	vp.SetDefault("queue.max-retries", q.MaxRetries)
	vp.SetDefault("queue.poll-interval", q.PollInterval)
	vp.SetDefault("queue.dedup-size", q.DedupSize)

	vp.SetDefault("http.timeout", 30*time.Second)
	vp.SetDefault("http.retry-max", 3)
}

// Load reads the configuration and builds the sampling policy. A malformed
// rule fails here so the process never starts with sampling half-applied.
func Load(vp *viper.Viper) (*Config, error) {
	SetDefaults(vp)

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Queue.Broker = strings.ToLower(strings.TrimSpace(cfg.Queue.Broker))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	policy, err := sampling.NewPolicy(cfg.Sampling)
	if err != nil {
		return nil, fmt.Errorf("loading sampling rules: %w", err)
	}
	cfg.policy = policy
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Exporter.Kind {
	case ExporterOTLP, ExporterStdout, ExporterOlap, ExporterNone:
	default:
		return fmt.Errorf("unknown exporter %q (valid: otlp, stdout, olap, none)", c.Exporter.Kind)
	}
	switch c.Exporter.Overflow {
	case OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("unknown overflow policy %q (valid: drop-oldest, block)", c.Exporter.Overflow)
	}
	if c.Exporter.QueueSize <= 0 || c.Exporter.MaxBatchSize <= 0 {
		return fmt.Errorf("exporter queue-size and max-batch-size must be positive")
	}
	if c.Exporter.MaxRetries < 0 {
		return fmt.Errorf("exporter max-retries must not be negative")
	}
	switch c.Queue.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("unknown broker %q (valid: memory, redis)", c.Queue.Broker)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	return nil
}

// Policy returns the sampling policy validated by Load.
func (c *Config) Policy() *sampling.Policy {
	return c.policy
}
