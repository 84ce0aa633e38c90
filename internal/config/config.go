// Package config loads the daemon configuration from the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ezvizplug/internal/ezviz"
	"ezvizplug/internal/plug"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Defaults
const (
	DefaultStateFile = "ezvizplug_state.yaml"
	DefaultAPIPort   = 8081
	DefaultLogLevel  = "info"
)

// Config holds every setting of the daemon
type Config struct {
	Email        string        `validate:"required,email"`
	Password     string        `validate:"required"`
	URL          string        `validate:"required,hostname_port|hostname|url"`
	Timeout      int           `validate:"min=1,max=300"`
	PollInterval time.Duration `validate:"min=1s"`
	StateFile    string        `validate:"required"`
	APIPort      int           `validate:"min=1,max=65535"`
	LogLevel     string        `validate:"oneof=debug info warn error"`
}

// EzvizConfig returns the client settings
func (c Config) EzvizConfig() ezviz.Config {
	return ezviz.Config{
		Email:    c.Email,
		Password: c.Password,
		URL:      c.URL,
		Timeout:  time.Duration(c.Timeout) * time.Second,
	}
}

// ZapLevel returns the configured log level
func (c Config) ZapLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Load reads an optional .env file and then the environment
func Load(logger *zap.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config using getenv
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Email:        strings.TrimSpace(getenv("EZVIZ_EMAIL")),
		Password:     getenv("EZVIZ_PASSWORD"),
		URL:          strings.TrimSpace(getenv("EZVIZ_URL")),
		Timeout:      ezviz.DefaultTimeout,
		PollInterval: plug.DefaultPollInterval,
		StateFile:    getenv("STATE_FILE"),
		APIPort:      DefaultAPIPort,
		LogLevel:     strings.ToLower(getenv("LOG_LEVEL")),
	}

	if cfg.URL == "" {
		cfg.URL = ezviz.EUURL
	}
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	var err error
	if v := getenv("EZVIZ_TIMEOUT"); v != "" {
		if cfg.Timeout, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid EZVIZ_TIMEOUT %q: %w", v, err)
		}
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		if cfg.PollInterval, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
	}
	if v := getenv("API_PORT"); v != "" {
		if cfg.APIPort, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// envNames maps struct fields to the variables they come from
var envNames = map[string]string{
	"Email":        "EZVIZ_EMAIL",
	"Password":     "EZVIZ_PASSWORD",
	"URL":          "EZVIZ_URL",
	"Timeout":      "EZVIZ_TIMEOUT",
	"PollInterval": "POLL_INTERVAL",
	"StateFile":    "STATE_FILE",
	"APIPort":      "API_PORT",
	"LogLevel":     "LOG_LEVEL",
}

// Validate checks cfg and reports every invalid variable
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := envNames[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		problems = append(problems, fmt.Sprintf("%s failed %s", name, fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
}
