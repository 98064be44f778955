package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string        `env:"REDIS_ADDR,notEmpty" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string        `env:"REDIS_KEY_PREFIX,notEmpty" envDefault:"dispatch"`
	Retention     time.Duration `env:"JOB_RETENTION" envDefault:"1h"`
	Lease         time.Duration `env:"JOB_LEASE" envDefault:"5m"`

	// Empty disables leader election; every scheduler instance then promotes.
	PostgresDSN   string        `env:"POSTGRES_DSN"`
	SchedInterval time.Duration `env:"SCHED_INTERVAL" envDefault:"1s"`
	SchedBatch    int64         `env:"SCHED_BATCH" envDefault:"200"`

	JWTSigningKey      string   `env:"JWT_SIGNING_KEY"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	TenantRateLimit    float64  `env:"TENANT_RATE_LIMIT" envDefault:"0"`
	TenantRateBurst    int      `env:"TENANT_RATE_BURST" envDefault:"5"`

	DefaultUsername string `env:"CREATE_USER_DEFAULT_USERNAME"`
	DefaultPassword string `env:"CREATE_USER_DEFAULT_PASSWORD"`
}

func (c Config) Development() bool { return c.AppEnv == "development" }

// Parse reads the environment, after loading .env if one exists.
func Parse() (Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
