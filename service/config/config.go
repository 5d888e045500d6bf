package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/merkl"
	"github.com/brojonat/tokenflow/service/trace"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverFixture  = "fixture"
)

// DefaultDistributor is the Merkl distributor contract on Arbitrum.
const DefaultDistributor = "0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae"

// Config holds all application configuration loaded from environment
// variables and an optional config file.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Transfer store
	StoreDriver      string
	DatabaseURL      string
	MongoURI         string
	MongoDatabase    string
	FixtureFile      string
	QueryTimeout     time.Duration
	StoreMaxAttempts int

	// Merkl rewards API
	MerklAPIURL         string
	MerklChainID        int
	MerklDistributor    string
	MerklRewardDecimals int32
	MerklRewardToken    string
	HTTPTimeout         time.Duration
	HTTPMaxAttempts     int

	// Relay heuristics
	ForwardThreshold decimal.Decimal
	ForwardWindow    time.Duration
	MaxHops          int
	FanOutLimit      int
	StopAddresses    map[string]struct{}
	ReturnAddresses  map[string]struct{}
	EthRPCURL        string

	AnalysisDeadline time.Duration

	// NATS configuration; empty disables event publication
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_database", "transfers")
	v.SetDefault("fixture_file", "")
	v.SetDefault("query_timeout", "10s")
	v.SetDefault("store_max_attempts", 3)

	v.SetDefault("merkl_api_url", merkl.DefaultBaseURL)
	v.SetDefault("merkl_chain_id", merkl.DefaultChainID)
	v.SetDefault("merkl_distributor", DefaultDistributor)
	v.SetDefault("merkl_reward_decimals", 18)
	v.SetDefault("merkl_reward_token", "")
	v.SetDefault("http_timeout", "15s")
	v.SetDefault("http_max_attempts", 5)

	v.SetDefault("forward_threshold", "0.90")
	v.SetDefault("forward_window", "72h")
	v.SetDefault("max_hops", 4)
	v.SetDefault("fanout_limit", 8)
	v.SetDefault("stop_addresses", "")
	v.SetDefault("return_addresses", "")
	v.SetDefault("eth_rpc_url", "")

	v.SetDefault("analysis_deadline", "2m")

	v.SetDefault("nats_url", "")

	v.SetDefault("temporal_host", "localhost:7233")
	v.SetDefault("temporal_namespace", "default")
	v.SetDefault("temporal_task_queue", "tokenflow")
}

// Load reads configuration from environment variables, and from the file
// named by CONFIG_FILE when set, and validates it. Environment values take
// precedence over the file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = v.GetString("server_addr")
	cfg.LogLevel = v.GetString("log_level")

	cfg.StoreDriver = strings.ToLower(v.GetString("store_driver"))
	cfg.DatabaseURL = v.GetString("database_url")
	cfg.MongoURI = v.GetString("mongo_uri")
	cfg.MongoDatabase = v.GetString("mongo_database")
	cfg.FixtureFile = v.GetString("fixture_file")
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
		}
	case DriverMongo:
		if cfg.MongoURI == "" {
			errs = append(errs, fmt.Errorf("MONGO_URI is required"))
		}
	case DriverFixture:
		if cfg.FixtureFile == "" {
			errs = append(errs, fmt.Errorf("FIXTURE_FILE is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of %q, %q or %q, got %q", DriverPostgres, DriverMongo, DriverFixture, cfg.StoreDriver))
	}
	cfg.QueryTimeout = duration(v, "query_timeout", &errs)
	cfg.StoreMaxAttempts = integer(v, "store_max_attempts", &errs)

	cfg.MerklAPIURL = v.GetString("merkl_api_url")
	cfg.MerklChainID = integer(v, "merkl_chain_id", &errs)
	cfg.MerklDistributor = strings.ToLower(v.GetString("merkl_distributor"))
	if cfg.MerklDistributor != "" && !ledger.IsAddress(cfg.MerklDistributor) {
		errs = append(errs, fmt.Errorf("MERKL_DISTRIBUTOR: invalid address %q", cfg.MerklDistributor))
	}
	cfg.MerklRewardDecimals = int32(integer(v, "merkl_reward_decimals", &errs))
	cfg.MerklRewardToken = strings.ToLower(v.GetString("merkl_reward_token"))
	cfg.HTTPTimeout = duration(v, "http_timeout", &errs)
	cfg.HTTPMaxAttempts = integer(v, "http_max_attempts", &errs)

	threshold, err := decimal.NewFromString(v.GetString("forward_threshold"))
	if err != nil {
		errs = append(errs, fmt.Errorf("FORWARD_THRESHOLD: invalid decimal %q: %w", v.GetString("forward_threshold"), err))
	}
	cfg.ForwardThreshold = threshold
	cfg.ForwardWindow = duration(v, "forward_window", &errs)
	cfg.MaxHops = integer(v, "max_hops", &errs)
	cfg.FanOutLimit = integer(v, "fanout_limit", &errs)
	cfg.StopAddresses = addresses(v, "stop_addresses", &errs)
	cfg.ReturnAddresses = addresses(v, "return_addresses", &errs)
	cfg.EthRPCURL = v.GetString("eth_rpc_url")

	cfg.AnalysisDeadline = duration(v, "analysis_deadline", &errs)

	cfg.NATSURL = v.GetString("nats_url")

	cfg.TemporalHost = v.GetString("temporal_host")
	cfg.TemporalNamespace = v.GetString("temporal_namespace")
	cfg.TemporalTaskQueue = v.GetString("temporal_task_queue")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks value ranges. Load calls it; tests call it on
// hand-built configs.
func (c *Config) Validate() error {
	var errs []error

	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QueryTimeout must be positive"))
	}
	if c.StoreMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("StoreMaxAttempts must be at least 1"))
	}
	if c.MerklAPIURL == "" {
		errs = append(errs, fmt.Errorf("MerklAPIURL is required"))
	}
	if c.MerklRewardDecimals < 0 || c.MerklRewardDecimals > ledger.MaxTokenDecimals {
		errs = append(errs, fmt.Errorf("MerklRewardDecimals must be within [0, %d]", ledger.MaxTokenDecimals))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTPTimeout must be positive"))
	}
	if c.HTTPMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("HTTPMaxAttempts must be at least 1"))
	}
	if c.AnalysisDeadline < 0 {
		errs = append(errs, fmt.Errorf("AnalysisDeadline must not be negative"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if err := c.Trace().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// Trace returns the relay heuristics.
func (c *Config) Trace() trace.Config {
	return trace.Config{
		Threshold:       c.ForwardThreshold,
		Window:          c.ForwardWindow,
		MaxHops:         c.MaxHops,
		FanOut:          c.FanOutLimit,
		StopAddresses:   c.StopAddresses,
		ReturnAddresses: c.ReturnAddresses,
	}
}

// Resilience returns the store timeout and retry settings.
func (c *Config) Resilience() transfers.ResilienceConfig {
	r := transfers.DefaultResilienceConfig()
	r.QueryTimeout = c.QueryTimeout
	r.MaxAttempts = c.StoreMaxAttempts
	return r
}

// MerklClient returns the Merkl HTTP client settings.
func (c *Config) MerklClient() merkl.ClientConfig {
	m := merkl.DefaultClientConfig()
	m.BaseURL = c.MerklAPIURL
	m.ChainID = c.MerklChainID
	m.Timeout = c.HTTPTimeout
	m.MaxAttempts = c.HTTPMaxAttempts
	return m
}

// Fetcher returns the campaign fetcher settings.
func (c *Config) Fetcher() merkl.FetcherConfig {
	return merkl.FetcherConfig{RewardDecimals: c.MerklRewardDecimals, RewardToken: c.MerklRewardToken}
}

func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q: %w", strings.ToUpper(key), raw, err))
	}
	return d
}

func integer(v *viper.Viper, key string, errs *[]error) int {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q: %w", strings.ToUpper(key), raw, err))
	}
	return n
}

func addresses(v *viper.Viper, key string, errs *[]error) map[string]struct{} {
	set, err := ledger.ParseAddressList(v.GetString(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", strings.ToUpper(key), err))
	}
	return set
}
