package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the full process configuration, loaded from the environment.
// Both binaries share it; each reads the sections it cares about.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	// Backend selects the queue implementation: memory, redis or postgres.
	Backend       string `env:"QUEUE_BACKEND" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WorkerQueues      []string      `env:"WORKER_QUEUES" envDefault:"default"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"60s"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"5m"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	Retention     time.Duration `env:"RETENTION" envDefault:"24h"`

	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10m"`

	SchedulerTick time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	switch c.Backend {
	case "memory", "redis":
	case "postgres":
		if c.PostgresDSN == "" {
			return Config{}, errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return Config{}, errors.Errorf("unknown QUEUE_BACKEND %q", c.Backend)
	}
	return c, nil
}
