package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Store     StoreConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Cache     CacheConfig
	Ledger    LedgerConfig
	Jobs      JobsConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int

	// ShutdownTimeout is how long in-flight requests get after SIGTERM.
	ShutdownTimeout time.Duration
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional: with an empty URL events are only logged.
type NATSConfig struct {
	URL string

	// StreamMaxAge bounds how long ledger events are retained.
	StreamMaxAge time.Duration
	// DedupWindow is the JetStream duplicate window for event message IDs.
	DedupWindow time.Duration
	AckWait     time.Duration
}

type CacheConfig struct {
	L1Size  int
	L1TTL   time.Duration
	TTL     time.Duration
	ListTTL time.Duration
}

type LedgerConfig struct {
	TxTimeout time.Duration
}

type JobsConfig struct {
	MonthlyCron    string
	DailyCron      string
	ExpiryCron     string
	AlertCron      string
	LockTTL        time.Duration
	AlertThreshold float64
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Store: StoreConfig{
			Driver: k.String("store.driver"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Cache: CacheConfig{
			L1Size: k.Int("cache.l1.size"),
		},
		Jobs: JobsConfig{
			MonthlyCron:    k.String("jobs.monthly.cron"),
			DailyCron:      k.String("jobs.daily.cron"),
			ExpiryCron:     k.String("jobs.expiry.cron"),
			AlertCron:      k.String("jobs.alert.cron"),
			AlertThreshold: k.Float64("alert.threshold"),
		},
		RateLimit: RateLimitConfig{
			Requests: k.Int("rate.limit.requests"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "quotad"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "quotad"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "internal/database/migrations"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreDriverPostgres
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Cache.L1Size == 0 {
		cfg.Cache.L1Size = 1000
	}
	if cfg.Jobs.MonthlyCron == "" {
		cfg.Jobs.MonthlyCron = "0 0 1 * *"
	}
	if cfg.Jobs.DailyCron == "" {
		cfg.Jobs.DailyCron = "0 0 * * *"
	}
	if cfg.Jobs.ExpiryCron == "" {
		cfg.Jobs.ExpiryCron = "0 * * * *"
	}
	if cfg.Jobs.AlertCron == "" {
		cfg.Jobs.AlertCron = "*/10 * * * *"
	}
	if cfg.Jobs.AlertThreshold == 0 {
		cfg.Jobs.AlertThreshold = 80
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 600
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	origins := k.String("cors.allowed.origins")
	if origins == "" {
		origins = "http://localhost:3000"
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
		}
	}

	// Parse durations
	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"cache.l1.ttl", "30s", &cfg.Cache.L1TTL},
		{"cache.ttl", "5m", &cfg.Cache.TTL},
		{"cache.list.ttl", "1m", &cfg.Cache.ListTTL},
		{"ledger.tx.timeout", "5s", &cfg.Ledger.TxTimeout},
		{"jobs.lock.ttl", "10m", &cfg.Jobs.LockTTL},
		{"rate.limit.window", "1m", &cfg.RateLimit.Window},
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
		{"nats.stream.max.age", "168h", &cfg.NATS.StreamMaxAge},
		{"nats.dedup.window", "2m", &cfg.NATS.DedupWindow},
		{"nats.ack.wait", "30s", &cfg.NATS.AckWait},
	}
	for _, d := range durations {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		*d.dst, err = time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}
