package config

import (
	"fmt"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Development bool `envconfig:"DEVELOPMENT" default:"false"`
	// API configuration
	APIPort int `envconfig:"API_PORT" default:"8890"`
	// Postgres configuration
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"postgres"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" default:"password"`
	PostgresHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	PostgresPort     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresDB       string `envconfig:"POSTGRES_DB" default:"minipass"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	// EncryptionKey is the Fernet key protecting sensitive settings at rest
	EncryptionKey string `envconfig:"MINIPASS_ENCRYPTION_KEY"`

	// Scheduling
	Timezone     string `envconfig:"TIMEZONE" default:"America/Toronto"`
	ReminderHour int    `envconfig:"REMINDER_HOUR" default:"9"`

	// Outbound email
	PublicBaseURL      string  `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8890"`
	UnsubscribeSecret  string  `envconfig:"UNSUBSCRIBE_SECRET"`
	EmailLogoPath      string  `envconfig:"EMAIL_LOGO_PATH"`
	SMTPSendRate       float64 `envconfig:"SMTP_SEND_RATE" default:"2"`
	EmailAsyncWorkers  int     `envconfig:"EMAIL_ASYNC_WORKERS" default:"2"`
	EmailAsyncQueueLen int     `envconfig:"EMAIL_ASYNC_QUEUE" default:"64"`

	// AdminAPITokens maps a bearer token to the admin email it authenticates,
	// given as a comma separated list of email:token pairs
	AdminAPITokens string `envconfig:"ADMIN_API_TOKENS"`

	// Notification configuration
	TelegramBotToken     string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramAdminChatIDs string `envconfig:"TELEGRAM_ADMIN_CHAT_IDS"`
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.ReminderHour < 0 || c.ReminderHour > 23 {
		return fmt.Errorf("REMINDER_HOUR must be between 0 and 23, got %d", c.ReminderHour)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	if c.SMTPSendRate <= 0 {
		return fmt.Errorf("SMTP_SEND_RATE must be positive")
	}

	if _, err := c.AdminTokens(); err != nil {
		return err
	}

	return nil
}

// Location returns the configured wall clock zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PostgresDSN builds the gorm/pgx connection string
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode)
}

// AdminTokens parses ADMIN_API_TOKENS into a token -> admin email map
func (c *Config) AdminTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	if strings.TrimSpace(c.AdminAPITokens) == "" {
		return tokens, nil
	}
	for _, pair := range strings.Split(c.AdminAPITokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		email, token, ok := strings.Cut(pair, ":")
		if !ok || email == "" || token == "" {
			return nil, fmt.Errorf("invalid ADMIN_API_TOKENS entry %q: expected email:token", pair)
		}
		tokens[token] = strings.ToLower(email)
	}
	return tokens, nil
}

// TelegramChatIDs splits TELEGRAM_ADMIN_CHAT_IDS
func (c *Config) TelegramChatIDs() []string {
	var ids []string
	for _, id := range strings.Split(c.TelegramAdminChatIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
