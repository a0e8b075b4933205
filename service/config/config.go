package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr    string
	LogLevel      string
	PublicBaseURL string

	// Solana configuration - Mainnet
	SolanaMainnetRPCURL    string
	SolanaMainnetWSURL     string
	USDCMainnetMintAddress string
	USDTMainnetMintAddress string

	// Solana configuration - Devnet
	SolanaDevnetRPCURL    string
	SolanaDevnetWSURL     string
	USDCDevnetMintAddress string

	// Merchant program
	ProgramID string

	// Fee sponsorship
	FeePayerSecret     string
	FeePayerMinBalance uint64

	// Admin endpoints are disabled when empty
	AdminSecret string

	// Transaction request metadata
	PaymentLabel   string
	PaymentIconURL string

	// Persisted payment cache
	CacheBackend   string // "postgres", "dynamo" or "memory"
	DatabaseURL    string
	DynamoTable    string
	DynamoEndpoint string

	// NATS configuration (streaming disabled when empty)
	NATSURL string

	// Temporal configuration (scheduled sync disabled when host is empty)
	TemporalHost        string
	TemporalNamespace   string
	TemporalTaskQueue   string
	HistorySyncInterval time.Duration

	// Payment history configuration
	History HistoryConfig
}

// HistoryConfig bounds the payment history cache and its fetch pattern.
type HistoryConfig struct {
	MaxPayments         int
	PruneTarget         int
	MinRecent           int
	MaxAge              time.Duration
	TTL                 time.Duration
	PageSize            int
	IncrementalPageSize int
	BatchSize           int
	BatchDelay          time.Duration
}

const (
	NetworkMainnet = "mainnet"
	NetworkDevnet  = "devnet"
)

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.PublicBaseURL = strings.TrimRight(getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	// Solana Mainnet configuration
	cfg.SolanaMainnetRPCURL = os.Getenv("SOLANA_MAINNET_RPC_URL")
	if cfg.SolanaMainnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_MAINNET_RPC_URL is required"))
	}
	cfg.SolanaMainnetWSURL = getEnvOrDefault("SOLANA_MAINNET_WS_URL", WebsocketURL(cfg.SolanaMainnetRPCURL))

	cfg.USDCMainnetMintAddress = os.Getenv("USDC_MAINNET_MINT_ADDRESS")
	if cfg.USDCMainnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDC_MAINNET_MINT_ADDRESS is required"))
	}
	cfg.USDTMainnetMintAddress = os.Getenv("USDT_MAINNET_MINT_ADDRESS")

	// Solana Devnet configuration
	cfg.SolanaDevnetRPCURL = os.Getenv("SOLANA_DEVNET_RPC_URL")
	if cfg.SolanaDevnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_DEVNET_RPC_URL is required"))
	}
	cfg.SolanaDevnetWSURL = getEnvOrDefault("SOLANA_DEVNET_WS_URL", WebsocketURL(cfg.SolanaDevnetRPCURL))

	cfg.USDCDevnetMintAddress = os.Getenv("USDC_DEVNET_MINT_ADDRESS")
	if cfg.USDCDevnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDC_DEVNET_MINT_ADDRESS is required"))
	}

	// Validate RPC URLs are different
	if cfg.SolanaMainnetRPCURL != "" && cfg.SolanaMainnetRPCURL == cfg.SolanaDevnetRPCURL {
		errs = append(errs, fmt.Errorf("SOLANA_MAINNET_RPC_URL and SOLANA_DEVNET_RPC_URL must be different"))
	}

	// Validate USDC mint addresses are different
	if cfg.USDCMainnetMintAddress != "" && cfg.USDCMainnetMintAddress == cfg.USDCDevnetMintAddress {
		errs = append(errs, fmt.Errorf("USDC_MAINNET_MINT_ADDRESS and USDC_DEVNET_MINT_ADDRESS must be different"))
	}

	cfg.ProgramID = os.Getenv("PROGRAM_ID")
	if cfg.ProgramID == "" {
		errs = append(errs, fmt.Errorf("PROGRAM_ID is required"))
	}

	// Fee sponsorship
	cfg.FeePayerSecret = os.Getenv("FEE_PAYER_SECRET")
	minBalance, err := parseUint("FEE_PAYER_MIN_BALANCE", 5_000_000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.FeePayerMinBalance = minBalance
	}

	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	cfg.PaymentLabel = getEnvOrDefault("PAYMENT_LABEL", "solpos")
	cfg.PaymentIconURL = os.Getenv("PAYMENT_ICON_URL")

	// Persisted cache
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	defaultBackend := "memory"
	if cfg.DatabaseURL != "" {
		defaultBackend = "postgres"
	}
	cfg.CacheBackend = getEnvOrDefault("CACHE_BACKEND", defaultBackend)
	cfg.DynamoTable = getEnvOrDefault("DYNAMO_TABLE", "payment_cache")
	cfg.DynamoEndpoint = os.Getenv("DYNAMO_ENDPOINT")

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal configuration
	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solpos-history-sync")
	syncInterval, err := parseDuration("HISTORY_SYNC_INTERVAL", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.HistorySyncInterval = syncInterval
	}

	// Payment history configuration
	h, herrs := loadHistory()
	errs = append(errs, herrs...)
	cfg.History = h

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

func loadHistory() (HistoryConfig, []error) {
	var h HistoryConfig
	var errs []error

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"CACHE_MAX_PAYMENTS", 1000, &h.MaxPayments},
		{"CACHE_PRUNE_TARGET", 500, &h.PruneTarget},
		{"CACHE_MIN_RECENT", 100, &h.MinRecent},
		{"HISTORY_PAGE_SIZE", 50, &h.PageSize},
		{"HISTORY_INCREMENTAL_PAGE_SIZE", 20, &h.IncrementalPageSize},
		{"HISTORY_BATCH_SIZE", 5, &h.BatchSize},
	}
	for _, i := range ints {
		v, err := parseInt(i.key, i.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*i.dst = v
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"CACHE_MAX_AGE", "2160h", &h.MaxAge},
		{"CACHE_TTL", "5m", &h.TTL},
		{"HISTORY_BATCH_DELAY", "500ms", &h.BatchDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	return h, errs
}

// DefaultHistoryConfig returns the history bounds used when nothing is configured.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxPayments:         1000,
		PruneTarget:         500,
		MinRecent:           100,
		MaxAge:              90 * 24 * time.Hour,
		TTL:                 5 * time.Minute,
		PageSize:            50,
		IncrementalPageSize: 20,
		BatchSize:           5,
		BatchDelay:          500 * time.Millisecond,
	}
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaMainnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaMainnetRPCURL is required"))
	}

	if c.SolanaDevnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaDevnetRPCURL is required"))
	}

	if c.USDCMainnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDCMainnetMintAddress is required"))
	}

	if c.USDCDevnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDCDevnetMintAddress is required"))
	}

	if c.ProgramID == "" {
		errs = append(errs, fmt.Errorf("ProgramID is required"))
	}

	switch c.CacheBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DatabaseURL is required for the postgres cache backend"))
		}
	case "dynamo":
		if c.DynamoTable == "" {
			errs = append(errs, fmt.Errorf("DynamoTable is required for the dynamo cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CacheBackend must be one of memory, postgres, dynamo (got %q)", c.CacheBackend))
	}

	if c.TemporalHost != "" {
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
		}
		if c.HistorySyncInterval < 10*time.Second {
			errs = append(errs, fmt.Errorf("HistorySyncInterval must be at least 10 seconds"))
		}
	}

	if err := c.History.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Validate checks the pruning bounds and fetch sizes.
func (h HistoryConfig) Validate() error {
	var errs []error

	if h.MinRecent < 1 {
		errs = append(errs, fmt.Errorf("MinRecent must be positive"))
	}
	if h.MinRecent > h.PruneTarget {
		errs = append(errs, fmt.Errorf("MinRecent (%d) cannot be greater than PruneTarget (%d)", h.MinRecent, h.PruneTarget))
	}
	if h.PruneTarget > h.MaxPayments {
		errs = append(errs, fmt.Errorf("PruneTarget (%d) cannot be greater than MaxPayments (%d)", h.PruneTarget, h.MaxPayments))
	}
	if h.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("MaxAge must be positive"))
	}
	if h.PageSize < 1 || h.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("PageSize must be between 1 and 1000"))
	}
	if h.IncrementalPageSize < 1 || h.IncrementalPageSize > 1000 {
		errs = append(errs, fmt.Errorf("IncrementalPageSize must be between 1 and 1000"))
	}
	if h.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BatchSize must be positive"))
	}
	if h.BatchDelay < 0 {
		errs = append(errs, fmt.Errorf("BatchDelay cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("history configuration invalid: %v", errs)
	}
	return nil
}

// RPCURL returns the RPC endpoint for a network.
func (c *Config) RPCURL(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return c.SolanaMainnetRPCURL, nil
	case NetworkDevnet:
		return c.SolanaDevnetRPCURL, nil
	default:
		return "", fmt.Errorf("unsupported network: %s", network)
	}
}

// WSURL returns the websocket endpoint for a network.
func (c *Config) WSURL(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return c.SolanaMainnetWSURL, nil
	case NetworkDevnet:
		return c.SolanaDevnetWSURL, nil
	default:
		return "", fmt.Errorf("unsupported network: %s", network)
	}
}

// WebsocketURL derives a websocket endpoint from an RPC endpoint.
func WebsocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}
