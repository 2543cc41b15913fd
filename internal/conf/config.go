// Package conf is the daemon's configuration schema, encoded as YAML
// (gopkg.in/yaml.v3). Loading follows cmd/tempo/main.go's loadConfig:
// defaults are registered on a flag.FlagSet, a YAML file is overlaid on
// top, then remaining CLI flags win last.
package conf

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Compression names the codecs dory supports for produced batches. LZ4 is
// deliberately absent (deferred pending broker version negotiation).
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
)

func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionSnappy:
		return true
	default:
		return false
	}
}

// TopicThresholds is one topic's (or the default) batching thresholds.
type TopicThresholds struct {
	MaxBatchBytes   int   `yaml:"maxBatchBytes"`
	MaxBatchMsgs    int   `yaml:"maxBatchMsgs"`
	LingerMs        int64 `yaml:"lingerMs"`
}

// BatchingConf is the `batching` top-level section.
type BatchingConf struct {
	Default    TopicThresholds            `yaml:"default"`
	PerTopic   map[string]TopicThresholds `yaml:"perTopic"`
}

// Thresholds returns the effective thresholds for topic, falling back to
// the configured default for any zero-valued field.
func (b BatchingConf) Thresholds(topic string) TopicThresholds {
	t := b.Default
	if override, ok := b.PerTopic[topic]; ok {
		if override.MaxBatchBytes > 0 {
			t.MaxBatchBytes = override.MaxBatchBytes
		}
		if override.MaxBatchMsgs > 0 {
			t.MaxBatchMsgs = override.MaxBatchMsgs
		}
		if override.LingerMs > 0 {
			t.LingerMs = override.LingerMs
		}
	}
	return t
}

// CompressionConf is the `compression` top-level section.
type CompressionConf struct {
	Default  Compression            `yaml:"default"`
	PerTopic map[string]Compression `yaml:"perTopic"`
}

// For returns the effective codec for topic.
func (c CompressionConf) For(topic string) Compression {
	if codec, ok := c.PerTopic[topic]; ok {
		return codec
	}
	if c.Default == "" {
		return CompressionNone
	}
	return c.Default
}

// TopicRateLimitingConf is the `topicRateLimiting` top-level section:
// optional per-topic admission rate caps.
type TopicRateLimitingConf struct {
	PerTopic map[string]float64 `yaml:"perTopic"` // messages/sec, 0 = unlimited
}

// InputSourcesConf is the `inputSources` top-level section.
type InputSourcesConf struct {
	UnixDgram  *UnixDgramConf  `yaml:"unixDatagram"`
	UnixStream *UnixStreamConf `yaml:"unixStream"`
	TCP        *TCPConf        `yaml:"tcp"`
}

type UnixDgramConf struct {
	Path          string `yaml:"path"`
	MaxDatagramSz int    `yaml:"maxDatagramBytes"`
}

type UnixStreamConf struct {
	Path string `yaml:"path"`
}

type TCPConf struct {
	Address string `yaml:"address"` // loopback only, e.g. "127.0.0.1:9090"
}

// MsgDeliveryConf is the `msgDelivery` top-level section.
type MsgDeliveryConf struct {
	MaxAttempts         int           `yaml:"maxAttempts"`
	RequestTimeoutMs    int64         `yaml:"requestTimeoutMs"`
	MaxRetryMs          int64         `yaml:"maxRetryMs"`
	MetadataRefreshMs   int64         `yaml:"metadataRefreshIntervalMs"`
	ShutdownMaxDelayMs  int64         `yaml:"shutdownMaxDelayMs"`
	MetadataBackoff     BackoffConf   `yaml:"metadataBackoff"`
	DispatchQueueDepth  int           `yaml:"dispatchQueueDepth"`
	AwaitingMetadataCap int           `yaml:"awaitingMetadataQueueDepth"`
}

// BackoffConf tunes the metadata fetcher's bounded exponential backoff
// curve.
type BackoffConf struct {
	InitialMs         int64   `yaml:"initialMs"`
	MaxMs             int64   `yaml:"maxMs"`
	RandomizationFactor float64 `yaml:"randomizationFactor"`
}

// HTTPInterfaceConf is the `httpInterface` section: the status surface.
type HTTPInterfaceConf struct {
	Address string `yaml:"address"` // loopback, e.g. "127.0.0.1:9870"
}

// DiscardReportingConf is the `discardReporting` section.
type DiscardReportingConf struct {
	Capacity          int   `yaml:"capacity"`
	QueueDepth        int   `yaml:"queueDepth"`
	SampleIntervalMs  int64 `yaml:"sampleIntervalMs"`
}

// LoggingConf is the `logging` section.
type LoggingConf struct {
	Level         string `yaml:"level"` // debug|info|warn|error
	Stdout        bool   `yaml:"stdout"`
	FilePath      string `yaml:"filePath"`
	LogDiscards   bool   `yaml:"logDiscards"`
	DiscardLogHz  int    `yaml:"discardLogRateLimitPerSec"`
}

// Config is the full daemon configuration.
type Config struct {
	InitialBrokers    []string              `yaml:"initialBrokers"`
	Batching          BatchingConf          `yaml:"batching"`
	Compression       CompressionConf       `yaml:"compression"`
	TopicRateLimiting TopicRateLimitingConf `yaml:"topicRateLimiting"`
	InputSources      InputSourcesConf      `yaml:"inputSources"`
	MsgDelivery       MsgDeliveryConf       `yaml:"msgDelivery"`
	HTTPInterface     HTTPInterfaceConf     `yaml:"httpInterface"`
	DiscardReporting  DiscardReportingConf  `yaml:"discardReporting"`
	Logging           LoggingConf           `yaml:"logging"`

	// MsgBufferMaxBytes is the pool capacity. It lives outside the YAML
	// schema because --msg_buffer_max always overrides it, mirroring the
	// source's TCmdLineArgs/TConf split.
	MsgBufferMaxBytes int
	PoolBlockBytes    int
}

// RegisterFlagsAndApplyDefaults wires defaults onto fs the way
// app.Config.RegisterFlagsAndApplyDefaults does.
func (c *Config) RegisterFlagsAndApplyDefaults(fs *flag.FlagSet) {
	c.Batching.Default = TopicThresholds{MaxBatchBytes: 64 * 1024, MaxBatchMsgs: 500, LingerMs: 50}
	c.Compression.Default = CompressionNone
	c.InputSources.UnixDgram = &UnixDgramConf{Path: "/run/dory/input.socket", MaxDatagramSz: 64 * 1024}
	c.MsgDelivery = MsgDeliveryConf{
		MaxAttempts:        8,
		RequestTimeoutMs:   5000,
		MaxRetryMs:         30000,
		MetadataRefreshMs:  int64((5 * time.Minute) / time.Millisecond),
		ShutdownMaxDelayMs: 5000,
		MetadataBackoff:    BackoffConf{InitialMs: 200, MaxMs: 30000, RandomizationFactor: 0.3},
		DispatchQueueDepth: 4096,
		AwaitingMetadataCap: 8192,
	}
	c.HTTPInterface = HTTPInterfaceConf{Address: "127.0.0.1:9870"}
	c.DiscardReporting = DiscardReportingConf{Capacity: 512, QueueDepth: 4096, SampleIntervalMs: 10000}
	c.Logging = LoggingConf{Level: "info", Stdout: true, LogDiscards: true, DiscardLogHz: 5}
	c.MsgBufferMaxBytes = 64 * 1024 * 1024
	c.PoolBlockBytes = 128 * 1024

	fs.IntVar(&c.MsgBufferMaxBytes, "msg_buffer_max", c.MsgBufferMaxBytes, "total message pool capacity in bytes; overrides the config file")
}

// Warning is a non-fatal configuration concern surfaced at startup.
type Warning struct {
	Message string
	Explain string
}

// CheckConfig validates cross-field consistency the YAML schema alone
// can't express, returning human-readable warnings rather than failing
// outright (matches app.Config.CheckConfig).
func (c *Config) CheckConfig() []Warning {
	var warnings []Warning

	if c.InputSources.UnixDgram == nil && c.InputSources.UnixStream == nil && c.InputSources.TCP == nil {
		warnings = append(warnings, Warning{
			Message: "no input sources configured",
			Explain: "dory will accept no traffic; configure at least one of inputSources.{unixDatagram,unixStream,tcp}",
		})
	}
	if len(c.InitialBrokers) == 0 {
		warnings = append(warnings, Warning{Message: "initialBrokers is empty"})
	}
	if !c.Compression.Default.Valid() {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("invalid default compression %q", c.Compression.Default)})
	}
	for topic, codec := range c.Compression.PerTopic {
		if !codec.Valid() {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("invalid compression %q for topic %q", codec, topic)})
		}
	}
	if c.MsgBufferMaxBytes < c.PoolBlockBytes {
		warnings = append(warnings, Warning{
			Message: "msg_buffer_max is smaller than one pool block",
			Explain: "increase --msg_buffer_max or decrease PoolBlockBytes",
		})
	}
	return warnings
}

// Load reads path (optionally expanding environment variables), overlays
// it onto defaults already registered on fs, then applies any flags given
// in args so CLI always wins last.
func Load(fs *flag.FlagSet, cfg *Config, path string, expandEnv bool, args []string) error {
	cfg.RegisterFlagsAndApplyDefaults(fs)

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if expandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return fmt.Errorf("failed to expand env vars in %s: %w", path, err)
			}
			buf = []byte(s)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	return nil
}
