package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

var (
	ErrEmptyBotToken   = errors.New("telegram bot token is required")
	ErrEmptyDBPassword = errors.New("database password is required")
	ErrEmptyGeminiKey  = errors.New("gemini api key is required")
)

const DefaultConfigPath = "configs/config.prod.yaml"

type Config struct {
	App      AppConfig      `yaml:"app" env-prefix:"APP_"`
	Database DatabaseConfig `yaml:"database" env-prefix:"DB_"`
	Bot      BotConfig      `yaml:"bot" env-prefix:"TELEGRAM_BOT_"`
	Gemini   GeminiConfig   `yaml:"gemini" env-prefix:"GEMINI_"`
	Session  SessionConfig  `yaml:"session" env-prefix:"SESSION_"`
	NATS     NATSConfig     `yaml:"nats" env-prefix:"NATS_"`
	Health   HealthConfig   `yaml:"health" env-prefix:"HEALTH_"`
}

type AppConfig struct {
	Name        string `yaml:"name" env:"NAME" env-default:"joke-bot"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"production"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host" env:"HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PORT" env-default:"5432"`
	User           string `yaml:"user" env:"USER" env-default:"jokebot"`
	Password       string `yaml:"password" env:"PASSWORD"`
	Name           string `yaml:"name" env:"NAME" env-default:"jokebot"`
	MaxConnections int    `yaml:"max_connections" env:"MAX_CONNECTIONS" env-default:"10"`
	MinConnections int    `yaml:"min_connections" env:"MIN_CONNECTIONS" env-default:"2"`
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

type BotConfig struct {
	Token     string `yaml:"token" env:"TOKEN"`
	ParseMode string `yaml:"parse_mode" env:"PARSE_MODE" env-default:"HTML"`
}

type GeminiConfig struct {
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Model       string        `yaml:"model" env:"MODEL" env-default:"gemini-1.5-flash"`
	Temperature float32       `yaml:"temperature" env:"TEMPERATURE" env-default:"1.0"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" env-default:"30s"`
}

// SessionConfig tunes the per-chat joke sessions.
type SessionConfig struct {
	MaxHistory     int    `yaml:"max_history" env:"MAX_HISTORY" env-default:"50"`
	MaxSessions    int    `yaml:"max_sessions" env:"MAX_SESSIONS" env-default:"10000"`
	Fencing        bool   `yaml:"fencing" env:"FENCING" env-default:"false"`
	TargetLanguage string `yaml:"target_language" env:"TARGET_LANGUAGE" env-default:"Traditional Chinese (繁體中文)"`
}

type HealthConfig struct {
	Port     int    `yaml:"port" env:"PORT" env-default:"8080"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" env-default:"/healthz"`
}

type NATSConfig struct {
	URL        string `yaml:"url" env:"URL" env-default:"nats://localhost:4222"`
	StreamName string `yaml:"stream_name" env:"STREAM_NAME" env-default:"JOKES"`
}

// Read parses the config file and environment without validating required secrets.
func Read() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	var cfg Config

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	return &cfg, nil
}

func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Bot.Token == "" {
		return ErrEmptyBotToken
	}

	if c.Database.Password == "" {
		return ErrEmptyDBPassword
	}

	if c.Gemini.APIKey == "" {
		return ErrEmptyGeminiKey
	}

	return nil
}
