package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"log"
)

type Config struct {
	LogLevel     string `env:"JOBQ_LOG_LEVEL" envDefault:"info"`
	Store        string `env:"JOBQ_STORE" envDefault:"redis"`
	ScheduleFile string `env:"JOBQ_SCHEDULE_FILE"`

	Redis    Redis
	Postgres Postgres
	Sqlite   Sqlite
	Worker   Worker
	Beat     Beat
}

type Redis struct {
	Addr      string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB" envDefault:"0"`
	KeyPrefix string `env:"Redis_KeyPrefix" envDefault:"jobq"`
	Group     string `env:"Redis_Group" envDefault:"workers"`
}

type Postgres struct {
	DSN string `env:"Postgres_DSN"`
}

type Sqlite struct {
	Path string `env:"Sqlite_Path" envDefault:"data/jobq.db"`
}

type Worker struct {
	Concurrency    int           `env:"Worker_Concurrency" envDefault:"4"`
	Topics         []string      `env:"Worker_Topics" envDefault:"default" envSeparator:","`
	PollTimeout    time.Duration `env:"Worker_PollTimeout" envDefault:"2s"`
	HandlerTimeout time.Duration `env:"Worker_HandlerTimeout" envDefault:"5m"`
	BaseBackoff    time.Duration `env:"Worker_BaseBackoff" envDefault:"10s"`
	MaxBackoff     time.Duration `env:"Worker_MaxBackoff" envDefault:"10m"`
	StaleAfter     time.Duration `env:"Worker_StaleAfter" envDefault:"15m"`
	ReapInterval   time.Duration `env:"Worker_ReapInterval" envDefault:"1m"`
	PromoteEvery   time.Duration `env:"Worker_PromoteEvery" envDefault:"1s"`
}

type Beat struct {
	TickInterval time.Duration `env:"Beat_TickInterval" envDefault:"1s"`
	LeaderTTL    time.Duration `env:"Beat_LeaderTTL" envDefault:"15s"`
}

// Parse reads .env (when present) and the process environment.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c *Config) validate() error {
	switch c.Store {
	case "redis", "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("JOBQ_STORE: unsupported store %q", c.Store)
	}
	if c.Store == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("Postgres_DSN is required when JOBQ_STORE=postgres")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("Worker_Concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if len(c.Worker.Topics) == 0 {
		return fmt.Errorf("Worker_Topics must name at least one topic")
	}
	// a lease must outlive the longest attempt or the reaper steals running jobs
	if c.Worker.StaleAfter <= 0 {
		return fmt.Errorf("Worker_StaleAfter must be positive, got %s", c.Worker.StaleAfter)
	}
	if c.Worker.StaleAfter <= c.Worker.HandlerTimeout {
		return fmt.Errorf("Worker_StaleAfter (%s) must exceed Worker_HandlerTimeout (%s)",
			c.Worker.StaleAfter, c.Worker.HandlerTimeout)
	}
	return nil
}

// Level maps LogLevel onto zerolog, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
