// Package config loads server settings from an optional .env file, environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RedisConfig addresses the optional last-seen store. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LimiterConfig tunes the code verification lockout.
type LimiterConfig struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// WSConfig tunes the live transport.
type WSConfig struct {
	AuthTimeout     time.Duration
	Rate            float64 // inbound frames per second
	Burst           int
	MaxMessageBytes int64
}

// Config holds all configuration values for the server.
type Config struct {
	HTTPAddr   string
	OpsAddr    string // gRPC health; empty disables it
	DSN        string // empty selects the in-memory store
	DBMaxConns int

	JWTKey     string
	AccessTTL  time.Duration
	CodeTTL    time.Duration
	CodeDigits int

	Limiter LimiterConfig
	Redis   RedisConfig
	WS      WSConfig

	CORSOrigins     []string
	LogLevel        string // debug|info|warn|error
	ShutdownTimeout time.Duration
}

// Load reads ENV_FILE (default .env) if present, then parses args with
// environment-provided defaults and validates the result.
func Load(args []string) (Config, error) {
	envFile := getenv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	var (
		cfg     Config
		origins string
	)
	fset := flag.NewFlagSet("mobichat", flag.ContinueOnError)
	fset.StringVar(&cfg.HTTPAddr, "addr", getenv("HTTP_ADDR", ":8080"), "HTTP and websocket listen address")
	fset.StringVar(&cfg.OpsAddr, "ops-addr", getenv("OPS_ADDR", ":8081"), "gRPC health listen address")
	fset.StringVar(&cfg.DSN, "dsn", getenv("DATABASE_DSN", ""), "PostgreSQL DSN (empty: in-memory store)")
	fset.IntVar(&cfg.DBMaxConns, "db-max-conns", getint("DB_MAX_CONNS", 10), "max PostgreSQL pool connections")
	fset.StringVar(&cfg.JWTKey, "jwt-key", getenv("JWT_KEY", ""), "HS256 signing key (required)")
	fset.DurationVar(&cfg.AccessTTL, "access-ttl", getdur("ACCESS_TTL", 24*time.Hour), "access token TTL")
	fset.DurationVar(&cfg.CodeTTL, "code-ttl", getdur("CODE_TTL", 5*time.Minute), "one-time code TTL")
	fset.IntVar(&cfg.CodeDigits, "code-digits", getint("CODE_DIGITS", 4), "one-time code length")
	fset.DurationVar(&cfg.Limiter.Window, "login-window", getdur("LOGIN_WINDOW", 15*time.Minute), "failed attempts window")
	fset.IntVar(&cfg.Limiter.MaxFails, "login-max-fails", getint("LOGIN_MAX_FAILS", 5), "failed attempts before lockout")
	fset.DurationVar(&cfg.Limiter.BlockFor, "login-block-for", getdur("LOGIN_BLOCK_FOR", 15*time.Minute), "lockout duration")
	fset.StringVar(&cfg.Redis.Addr, "redis-addr", getenv("REDIS_ADDR", ""), "Redis address for last-seen (empty: disabled)")
	fset.StringVar(&cfg.Redis.Password, "redis-password", getenv("REDIS_PASSWORD", ""), "Redis password")
	fset.IntVar(&cfg.Redis.DB, "redis-db", getint("REDIS_DB", 0), "Redis database")
	fset.DurationVar(&cfg.WS.AuthTimeout, "auth-timeout", getdur("AUTH_TIMEOUT", 10*time.Second), "time allowed to authenticate a websocket")
	fset.Float64Var(&cfg.WS.Rate, "ws-rate", getfloat("WS_RATE", 10), "inbound websocket frames per second")
	fset.IntVar(&cfg.WS.Burst, "ws-burst", getint("WS_BURST", 20), "inbound websocket burst")
	fset.Int64Var(&cfg.WS.MaxMessageBytes, "ws-max-message-bytes", int64(getint("WS_MAX_MESSAGE_BYTES", 64<<10)), "max inbound websocket frame size")
	fset.StringVar(&origins, "cors-origins", getenv("CORS_ALLOWED_ORIGINS", ""), "comma-separated allowed origins (empty: any)")
	fset.StringVar(&cfg.LogLevel, "log-level", getenv("LOG_LEVEL", "info"), "debug|info|warn|error")
	fset.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getdur("SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.CORSOrigins = splitCSV(origins)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.JWTKey == "" {
		return errors.New("missing jwt signing key (JWT_KEY or --jwt-key)")
	}
	if c.AccessTTL <= 0 || c.CodeTTL <= 0 || c.ShutdownTimeout <= 0 || c.WS.AuthTimeout <= 0 {
		return errors.New("durations must be positive")
	}
	if c.CodeDigits < 4 || c.CodeDigits > 12 {
		return errors.New("CODE_DIGITS must be between 4 and 12")
	}
	if c.Limiter.Window <= 0 || c.Limiter.BlockFor <= 0 || c.Limiter.MaxFails < 1 {
		return errors.New("login limiter settings must be positive")
	}
	if c.WS.Rate <= 0 || c.WS.Burst < 1 {
		return errors.New("WS_RATE must be > 0 and WS_BURST >= 1")
	}
	if c.WS.MaxMessageBytes < 512 {
		return errors.New("WS_MAX_MESSAGE_BYTES must be >= 512")
	}
	if c.DBMaxConns < 1 {
		return errors.New("DB_MAX_CONNS must be >= 1")
	}
	if c.Redis.DB < 0 {
		return errors.New("REDIS_DB must be >= 0")
	}
	return nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
