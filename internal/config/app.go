package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/logger"
)

// AppConfig carries process level settings read from the environment.
type AppConfig struct {
	ConfigPath      string        `env:"MAILBRIDGE_CONFIG" envDefault:"config/mailbridge.yaml"`
	HTTPAddr        string        `env:"MAILBRIDGE_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"MAILBRIDGE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AMQP            AMQPConfig
	Logger          logger.Config
}

// AMQPConfig configures the pipeline bridge. An empty URL disables it.
type AMQPConfig struct {
	URL      string `env:"MAILBRIDGE_AMQP_URL"`
	Exchange string `env:"MAILBRIDGE_AMQP_EXCHANGE" envDefault:"mailbridge"`
	Prefetch int    `env:"MAILBRIDGE_AMQP_PREFETCH" envDefault:"10"`
}

// InitAppConfig loads an optional .env file and parses the environment.
// loadedDotenv reports whether a .env file was found.
func InitAppConfig() (cfg *AppConfig, loadedDotenv bool, err error) {
	loadedDotenv = godotenv.Load() == nil
	cfg = &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, loadedDotenv, err
	}
	return cfg, loadedDotenv, nil
}
