package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Every key has a default; only
// the downstream credentials must be supplied for the relay to run.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Checkpoint RetryConfig      `mapstructure:"checkpoint"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type SourceConfig struct {
	Kind              string        `mapstructure:"kind"`
	Shards            []string      `mapstructure:"shards"`
	Group             string        `mapstructure:"group"`
	ConsumerPrefix    string        `mapstructure:"consumer_prefix"`
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StartFromLatest   bool          `mapstructure:"start_from_latest"`
	RedisURL          string        `mapstructure:"redis_url"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSStream        string        `mapstructure:"nats_stream"`
	NATSSubjectPrefix string        `mapstructure:"nats_subject_prefix"`
	AckWait           time.Duration `mapstructure:"ack_wait"`
}

type RelayConfig struct {
	TokenField     string `mapstructure:"token_field"`
	TokenSentinel  string `mapstructure:"token_sentinel"`
	MinTokenLength int    `mapstructure:"min_token_length"`
}

type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type DeliveryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	SkipEmpty   bool          `mapstructure:"skip_empty"`
}

type ProviderConfig struct {
	Kind        string        `mapstructure:"kind"`
	Host        string        `mapstructure:"host"`
	PublicKey   string        `mapstructure:"public_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ServiceName string        `mapstructure:"service_name"`
}

type DeadLetterConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	DatabaseURL   string        `mapstructure:"database_url"`
	MaxConns      int32         `mapstructure:"max_conns"`
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
}

type ShutdownConfig struct {
	DrainPoll    time.Duration `mapstructure:"drain_poll"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	SourceRedis     = "redis"
	SourceJetStream = "jetstream"

	ProviderLangfuse = "langfuse"
	ProviderOTLP     = "otlp"

	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// EnvPrefix is prepended to every environment override, e.g.
// RELAY_QUEUE_CAPACITY for queue.capacity.
const EnvPrefix = "RELAY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", SourceRedis)
	v.SetDefault("source.shards", []string{"logs"})
	v.SetDefault("source.group", "trace-relay")
	v.SetDefault("source.consumer_prefix", "relay")
	v.SetDefault("source.batch_size", 100)
	v.SetDefault("source.poll_interval", "1s")
	v.SetDefault("source.start_from_latest", true)
	v.SetDefault("source.redis_url", "redis://localhost:6379/0")
	v.SetDefault("source.nats_url", "nats://localhost:4222")
	v.SetDefault("source.nats_stream", "LOGS")
	v.SetDefault("source.nats_subject_prefix", "logs")
	v.SetDefault("source.ack_wait", "30s")

	v.SetDefault("relay.token_field", "trace_id")
	v.SetDefault("relay.token_sentinel", "-")
	v.SetDefault("relay.min_token_length", 10)

	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.enqueue_timeout", "5s")

	v.SetDefault("checkpoint.attempts", 3)
	v.SetDefault("checkpoint.delay", "1s")

	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.retry_delay", "2s")
	v.SetDefault("delivery.poll_timeout", "1s")
	v.SetDefault("delivery.rate_limit", 0)
	v.SetDefault("delivery.skip_empty", false)

	v.SetDefault("provider.kind", ProviderLangfuse)
	v.SetDefault("provider.host", "https://cloud.langfuse.com")
	v.SetDefault("provider.public_key", "")
	v.SetDefault("provider.secret_key", "")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("provider.service_name", "trace-relay")

	v.SetDefault("deadletter.backend", BackendFile)
	v.SetDefault("deadletter.path", "deadletter.jsonl")
	v.SetDefault("deadletter.database_url", "")
	v.SetDefault("deadletter.max_conns", 4)
	v.SetDefault("deadletter.append_timeout", "5s")

	v.SetDefault("shutdown.drain_poll", "100ms")
	v.SetDefault("shutdown.drain_timeout", "0s")
	v.SetDefault("shutdown.join_timeout", "30s")

	v.SetDefault("admin.addr", ":9090")
	v.SetDefault("stats.interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from defaults, an optional config file and
// RELAY_* environment variables, in increasing order of precedence.
// An empty configPath searches for relay.yaml in . and /etc/relay.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks everything the run command needs. Tools that only read
// the dead-letter store skip it.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Kind {
	case SourceRedis, SourceJetStream:
	default:
		errs = append(errs, fmt.Errorf("source.kind: unknown %q", c.Source.Kind))
	}
	if len(c.Source.Shards) == 0 {
		errs = append(errs, errors.New("source.shards: at least one shard is required"))
	}
	switch c.Provider.Kind {
	case ProviderLangfuse, ProviderOTLP:
	default:
		errs = append(errs, fmt.Errorf("provider.kind: unknown %q", c.Provider.Kind))
	}
	if c.Provider.PublicKey == "" || c.Provider.SecretKey == "" {
		errs = append(errs, errors.New("provider.public_key and provider.secret_key are required"))
	}
	switch c.DeadLetter.Backend {
	case BackendFile:
		if c.DeadLetter.Path == "" {
			errs = append(errs, errors.New("deadletter.path is required for the file backend"))
		}
	case BackendPostgres:
		if c.DeadLetter.DatabaseURL == "" {
			errs = append(errs, errors.New("deadletter.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("deadletter.backend: unknown %q", c.DeadLetter.Backend))
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, errors.New("queue.capacity must be at least 1"))
	}
	if c.Delivery.MaxRetries < 1 {
		errs = append(errs, errors.New("delivery.max_retries must be at least 1"))
	}
	if c.Checkpoint.Attempts < 1 {
		errs = append(errs, errors.New("checkpoint.attempts must be at least 1"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"source.poll_interval", c.Source.PollInterval},
		{"source.ack_wait", c.Source.AckWait},
		{"queue.enqueue_timeout", c.Queue.EnqueueTimeout},
		{"delivery.poll_timeout", c.Delivery.PollTimeout},
		{"provider.timeout", c.Provider.Timeout},
		{"deadletter.append_timeout", c.DeadLetter.AppendTimeout},
		{"shutdown.drain_poll", c.Shutdown.DrainPoll},
		{"shutdown.join_timeout", c.Shutdown.JoinTimeout},
		{"stats.interval", c.Stats.Interval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Shutdown.DrainTimeout < 0 {
		errs = append(errs, errors.New("shutdown.drain_timeout must not be negative"))
	}

	return errors.Join(errs...)
}
