package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend names.
const (
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	Backend    string
	LogBackend string
	Redis      RedisConfig
	Database   DatabaseConfig
	OpenAI     OpenAIConfig
	Guard      GuardConfig
	Gateway    GatewayConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	ConnectRPS   float64
	ConnectBurst int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// DatabaseConfig holds PostgreSQL connection settings for the SQL log backend.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// OpenAIConfig holds completion service settings.
type OpenAIConfig struct {
	APIKey   string //nolint:gosec // G117: API credential config
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Disabled bool
}

// GuardConfig holds rate limit and dedup windows.
type GuardConfig struct {
	RateWindow time.Duration
	DedupTTL   time.Duration
}

// GatewayConfig holds WebSocket connection settings.
type GatewayConfig struct {
	OriginPatterns []string
	SendBuffer     int
	ReplayBatch    int
}

// Load reads configuration from environment variables.
// Defaults are suitable for local development against a local Redis.
func Load() (*Config, error) {
	readTimeout, err := getEnvDuration("FOLLOWUP_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("FOLLOWUP_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	connectRPS, err := getEnvFloat("FOLLOWUP_CONNECT_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	connectBurst, err := getEnvInt("FOLLOWUP_CONNECT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("FOLLOWUP_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbPort, err := getEnvInt("FOLLOWUP_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("FOLLOWUP_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	openAITimeout, err := getEnvDuration("FOLLOWUP_OPENAI_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	openAIDisabled, err := getEnvBool("FOLLOWUP_OPENAI_DISABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateWindow, err := getEnvDuration("FOLLOWUP_RATE_WINDOW", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dedupTTL, err := getEnvDuration("FOLLOWUP_DEDUP_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sendBuffer, err := getEnvInt("FOLLOWUP_SEND_BUFFER", 64)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	replayBatch, err := getEnvInt("FOLLOWUP_REPLAY_BATCH", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	backend := strings.ToLower(getEnv("FOLLOWUP_BACKEND", BackendRedis))

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("FOLLOWUP_SERVER_ADDR", ":3000"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("FOLLOWUP_CORS_ORIGINS", []string{"*"}),
			ConnectRPS:   connectRPS,
			ConnectBurst: connectBurst,
		},
		Backend:    backend,
		LogBackend: strings.ToLower(getEnv("FOLLOWUP_LOG_BACKEND", backend)),
		Redis: RedisConfig{
			Addr:     getEnv("FOLLOWUP_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("FOLLOWUP_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Database: DatabaseConfig{
			Host:     getEnv("FOLLOWUP_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("FOLLOWUP_DB_USER", "followup"),
			Password: getEnv("FOLLOWUP_DB_PASSWORD", ""),
			DBName:   getEnv("FOLLOWUP_DB_NAME", "followup"),
			SSLMode:  getEnv("FOLLOWUP_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		OpenAI: OpenAIConfig{
			APIKey:   getEnv("FOLLOWUP_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
			BaseURL:  getEnv("FOLLOWUP_OPENAI_BASE_URL", ""),
			Model:    getEnv("FOLLOWUP_OPENAI_MODEL", "gpt-4o-mini"),
			Timeout:  openAITimeout,
			Disabled: openAIDisabled,
		},
		Guard: GuardConfig{
			RateWindow: rateWindow,
			DedupTTL:   dedupTTL,
		},
		Gateway: GatewayConfig{
			OriginPatterns: getEnvList("FOLLOWUP_WS_ORIGINS", nil),
			SendBuffer:     sendBuffer,
			ReplayBatch:    replayBatch,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("FOLLOWUP_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.Backend)
	}

	switch c.LogBackend {
	case BackendRedis, BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("FOLLOWUP_LOG_BACKEND must be %q, %q or %q, got %q", BackendRedis, BackendPostgres, BackendMemory, c.LogBackend)
	}

	// The completion service credential is required unless generation is off.
	if c.OpenAI.APIKey == "" && !c.OpenAI.Disabled {
		return errors.New("FOLLOWUP_OPENAI_API_KEY is required (set FOLLOWUP_OPENAI_DISABLED=true to answer with the fallback text)")
	}

	if c.Backend == BackendMemory {
		log.Warn().Msg("FOLLOWUP_BACKEND=memory keeps channel and guard state in-process; run a single replica only")
	}
	if c.LogBackend == BackendPostgres && c.Database.SSLMode == "disable" {
		log.Warn().Msg("FOLLOWUP_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("FOLLOWUP_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("FOLLOWUP_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("FOLLOWUP_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("FOLLOWUP_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ConnectRPS <= 0 {
		return fmt.Errorf("FOLLOWUP_CONNECT_RPS must be positive, got %g", c.Server.ConnectRPS)
	}
	if c.Server.ConnectBurst < 1 {
		return fmt.Errorf("FOLLOWUP_CONNECT_BURST must be >= 1, got %d", c.Server.ConnectBurst)
	}
	if c.OpenAI.Timeout <= 0 {
		return fmt.Errorf("FOLLOWUP_OPENAI_TIMEOUT must be positive, got %s", c.OpenAI.Timeout)
	}
	if c.Guard.RateWindow <= 0 {
		return fmt.Errorf("FOLLOWUP_RATE_WINDOW must be positive, got %s", c.Guard.RateWindow)
	}
	if c.Guard.DedupTTL <= 0 {
		return fmt.Errorf("FOLLOWUP_DEDUP_TTL must be positive, got %s", c.Guard.DedupTTL)
	}
	if c.Gateway.SendBuffer < 1 {
		return fmt.Errorf("FOLLOWUP_SEND_BUFFER must be >= 1, got %d", c.Gateway.SendBuffer)
	}
	if c.Gateway.ReplayBatch < 1 {
		return fmt.Errorf("FOLLOWUP_REPLAY_BATCH must be >= 1, got %d", c.Gateway.ReplayBatch)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
