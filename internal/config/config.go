package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL                string
	Subgraphs             []string
	MetadataURL           string
	Forwarder             string
	Blacklist             []string
	Account               string
	ChunkSize             int
	MetadataTTL           time.Duration
	CriticalTTL           time.Duration
	RefreshInterval       time.Duration
	TickInterval          time.Duration
	FrameThreshold        time.Duration
	RebaseEpsilon         float64
	RPCRPS                float64
	RPCBurst              int
	MetadataRPS           float64
	IncludeNativeHoldings bool
	IndexerRetries        int
	RetryBackoff          time.Duration
	HTTPTimeout           time.Duration
	Listen                string
	PGDSN                 string
	Out                   string
	LogLevel              string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAKES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("chunk-size", 30)
	v.SetDefault("metadata-ttl", 3*time.Minute)
	v.SetDefault("critical-ttl", time.Minute)
	v.SetDefault("refresh-interval", 30*time.Second)
	v.SetDefault("tick-interval", 100*time.Millisecond)
	v.SetDefault("frame-threshold", 100*time.Millisecond)
	v.SetDefault("rebase-epsilon", 1e-6)
	v.SetDefault("rpc-rps", 10.0)
	v.SetDefault("rpc-burst", 5)
	v.SetDefault("metadata-rps", 5.0)
	v.SetDefault("include-native-holdings", false)
	v.SetDefault("indexer-retries", 0)
	v.SetDefault("retry-backoff", 250*time.Millisecond)
	v.SetDefault("http-timeout", 15*time.Second)
	v.SetDefault("listen", ":8080")
	v.SetDefault("out", "./data/snapshots.jsonl")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:                v.GetString("rpc"),
		Subgraphs:             getStringSlice(v, "subgraph"),
		MetadataURL:           v.GetString("metadata-url"),
		Forwarder:             v.GetString("forwarder"),
		Blacklist:             getStringSlice(v, "blacklist"),
		Account:               v.GetString("account"),
		ChunkSize:             v.GetInt("chunk-size"),
		MetadataTTL:           v.GetDuration("metadata-ttl"),
		CriticalTTL:           v.GetDuration("critical-ttl"),
		RefreshInterval:       v.GetDuration("refresh-interval"),
		TickInterval:          v.GetDuration("tick-interval"),
		FrameThreshold:        v.GetDuration("frame-threshold"),
		RebaseEpsilon:         v.GetFloat64("rebase-epsilon"),
		RPCRPS:                v.GetFloat64("rpc-rps"),
		RPCBurst:              v.GetInt("rpc-burst"),
		MetadataRPS:           v.GetFloat64("metadata-rps"),
		IncludeNativeHoldings: v.GetBool("include-native-holdings"),
		IndexerRetries:        v.GetInt("indexer-retries"),
		RetryBackoff:          v.GetDuration("retry-backoff"),
		HTTPTimeout:           v.GetDuration("http-timeout"),
		Listen:                v.GetString("listen"),
		PGDSN:                 v.GetString("pg-dsn"),
		Out:                   v.GetString("out"),
		LogLevel:              v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if len(c.Subgraphs) == 0 {
		return fmt.Errorf("at least one subgraph url is required")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 30 {
		return fmt.Errorf("chunk-size must be between 1 and 30, got %d", c.ChunkSize)
	}
	if c.RebaseEpsilon < 0 {
		return fmt.Errorf("rebase-epsilon must not be negative")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
