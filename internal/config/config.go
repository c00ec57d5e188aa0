package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config - всё, что процесс читает из окружения при старте.
type Config struct {
	Port   string
	AppEnv string

	DatabaseURL   string
	RedisURL      string
	RedisPoolSize int

	WebhookSecret string
	// TokenKeys - Fernet-ключи для oauth-токенов в avito_accounts, первый актуальный.
	TokenKeys  []string
	APIBaseURL string
	APITimeout time.Duration

	RawStreamMaxLen int64
	ViewTTL         time.Duration

	Consumer        string
	Block           time.Duration
	Backoff         time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	MaxDeliveries   int64
	DedupeTTL       time.Duration
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup so tests don't touch the real env.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:          p.str("PORT", "8080"),
		AppEnv:        p.str("APP_ENV", "development"),
		DatabaseURL:   p.str("DATABASE_URL", ""),
		RedisURL:      p.str("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize: int(p.num("REDIS_POOL_SIZE", 20)),

		WebhookSecret: getenv("AVITO_WEBHOOK_SECRET"),
		TokenKeys:     p.list("TOKEN_ENCRYPTION_KEYS"),
		APIBaseURL:    strings.TrimRight(p.str("AVITO_API_BASE_URL", "https://api.avito.ru"), "/"),
		APITimeout:    p.dur("AVITO_API_TIMEOUT", 10*time.Second),

		RawStreamMaxLen: p.num("RAW_STREAM_MAXLEN", 10000),
		ViewTTL:         p.dur("VIEW_TTL", 24*time.Hour),

		Consumer:        p.str("WORKER_CONSUMER", defaultConsumer()),
		Block:           p.dur("WORKER_BLOCK", 5*time.Second),
		Backoff:         p.dur("WORKER_BACKOFF", 5*time.Second),
		ReclaimInterval: p.dur("RECLAIM_INTERVAL", 30*time.Second),
		ReclaimMinIdle:  p.dur("RECLAIM_MIN_IDLE", 60*time.Second),
		MaxDeliveries:   p.num("MAX_DELIVERIES", 5),
		DedupeTTL:       p.dur("DEDUPE_TTL", 24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		p.errs = append(p.errs, errors.New("DATABASE_URL is not set"))
	}
	if len(cfg.TokenKeys) == 0 {
		p.errs = append(p.errs, errors.New("TOKEN_ENCRYPTION_KEYS is not set"))
	}
	// WORKER_BLOCK=0 в Redis значит "ждать вечно", и reclaim бы не запускался
	for key, d := range map[string]time.Duration{
		"WORKER_BLOCK":     cfg.Block,
		"WORKER_BACKOFF":   cfg.Backoff,
		"RECLAIM_INTERVAL": cfg.ReclaimInterval,
		"DEDUPE_TTL":       cfg.DedupeTTL,
	} {
		if d <= 0 {
			p.errs = append(p.errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if cfg.RawStreamMaxLen <= 0 {
		p.errs = append(p.errs, errors.New("RAW_STREAM_MAXLEN must be positive"))
	}
	if cfg.ViewTTL <= 0 {
		p.errs = append(p.errs, errors.New("VIEW_TTL must be positive"))
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

// list splits a comma-separated value, dropping empty items.
func (p *parser) list(key string) []string {
	var out []string
	for _, v := range strings.Split(p.getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p *parser) num(key string, def int64) int64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) dur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// имя консюмера должно быть уникальным на реплику, иначе две реплики делят один PEL
func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
