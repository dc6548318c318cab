package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ingester
type Config struct {
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Commit    CommitConfig    `mapstructure:"commit"`
	Overflow  OverflowConfig  `mapstructure:"overflow"`
	Watermark WatermarkConfig `mapstructure:"watermark"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
}

// KafkaConfig holds log client related configuration
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Group         string   `mapstructure:"group"`
	Topic         string   `mapstructure:"topic"`
	OverflowTopic string   `mapstructure:"overflow_topic"`
	// ConsumeOverflow switches this instance to the overflow topic and
	// disables its own overflow detector
	ConsumeOverflow bool `mapstructure:"consume_overflow"`
	// DebugPartition enables verbose tracing for one partition; -1 disables
	DebugPartition int32 `mapstructure:"debug_partition"`
}

// BufferConfig holds session buffer related configuration
type BufferConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	MaxSizeBytes  int64         `mapstructure:"max_size_bytes"`
	PartitionIdle time.Duration `mapstructure:"partition_idle"`
	SpillDir      string        `mapstructure:"spill_dir"`
}

// CommitConfig holds offset commit related configuration
type CommitConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// OverflowConfig holds overflow detector related configuration
type OverflowConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	BurstBytes              int64         `mapstructure:"burst_bytes"`
	ReplenishBytesPerSecond int64         `mapstructure:"replenish_bytes_per_second"`
	MinSessionsPerBatch     int           `mapstructure:"min_sessions_per_batch"`
	TTL                     time.Duration `mapstructure:"ttl"`
}

// WatermarkConfig holds high-water mark related configuration
type WatermarkConfig struct {
	Prefix string `mapstructure:"prefix"`
	// Subsystems are the downstream pipeline names whose persistent marks
	// advance with every flush
	Subsystems []string `mapstructure:"subsystems"`
}

// StorageConfig holds blob sink related configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// RedisConfig holds shared kv store related configuration
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServerConfig holds admin HTTP listener configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("ingester")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group", "session-recordings")
	v.SetDefault("kafka.topic", "session_recording_events")
	v.SetDefault("kafka.overflow_topic", "session_recording_events_overflow")
	v.SetDefault("kafka.consume_overflow", false)
	v.SetDefault("kafka.debug_partition", -1)

	// Buffer defaults
	v.SetDefault("buffer.max_age", "10s")
	v.SetDefault("buffer.max_size_bytes", 50*1024*1024) // 50MB
	v.SetDefault("buffer.partition_idle", "120s")
	v.SetDefault("buffer.spill_dir", "./data/spill")

	// Commit defaults
	v.SetDefault("commit.interval", "5s")

	// Overflow defaults
	v.SetDefault("overflow.enabled", true)
	v.SetDefault("overflow.burst_bytes", 1_000_000)
	v.SetDefault("overflow.replenish_bytes_per_second", 1_000)
	v.SetDefault("overflow.min_sessions_per_batch", 100)
	v.SetDefault("overflow.ttl", "24h")

	// Watermark defaults
	v.SetDefault("watermark.prefix", "@ingester")
	v.SetDefault("watermark.subsystems", []string{"session-recordings"})

	// Storage defaults
	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.data_dir", "./data/recordings")

	v.SetDefault("redis.addr", "")
	v.SetDefault("server.addr", ":8090")
}

// ConsumedTopic returns the topic this instance consumes, honoring ConsumeOverflow.
func (c *KafkaConfig) ConsumedTopic() string {
	if c.ConsumeOverflow {
		return c.OverflowTopic
	}
	return c.Topic
}

// DetectorEnabled reports whether the overflow detector should run on this
// instance. The overflow-reading secondary never detects.
func (c *Config) DetectorEnabled() bool {
	return c.Overflow.Enabled && !c.Kafka.ConsumeOverflow
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Kafka.Group == "" {
		return fmt.Errorf("kafka consumer group is required")
	}
	if c.Kafka.ConsumedTopic() == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if c.Buffer.MaxAge <= 0 {
		return fmt.Errorf("invalid buffer max age: %s", c.Buffer.MaxAge)
	}
	if c.Buffer.MaxSizeBytes <= 0 {
		return fmt.Errorf("invalid buffer max size: %d", c.Buffer.MaxSizeBytes)
	}
	if c.Buffer.SpillDir == "" {
		return fmt.Errorf("buffer spill directory is required")
	}
	if c.Commit.Interval <= 0 {
		return fmt.Errorf("invalid commit interval: %s", c.Commit.Interval)
	}
	if c.Overflow.Enabled {
		if c.Overflow.BurstBytes <= 0 {
			return fmt.Errorf("invalid overflow burst: %d", c.Overflow.BurstBytes)
		}
		if c.Overflow.ReplenishBytesPerSecond <= 0 {
			return fmt.Errorf("invalid overflow replenish rate: %d", c.Overflow.ReplenishBytesPerSecond)
		}
	}
	return nil
}
