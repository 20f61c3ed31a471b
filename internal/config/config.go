package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderOutlook selects the Microsoft Graph mailbox provider.
const ProviderOutlook = "outlook"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Email     EmailConfig     `mapstructure:"email"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// EmailConfig selects and configures the incoming email provider.
// An empty Provider disables incoming email entirely.
type EmailConfig struct {
	Provider string        `mapstructure:"provider"`
	Outlook  OutlookConfig `mapstructure:"outlook"`
}

// OutlookConfig holds Microsoft Graph credentials and mailbox settings
type OutlookConfig struct {
	TenantID       string `mapstructure:"tenant_id"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	MailboxAddress string `mapstructure:"mailbox_address"`
	EmailDomain    string `mapstructure:"email_domain"`
	WebhookURL     string `mapstructure:"webhook_url"`
	GraphBaseURL   string `mapstructure:"graph_base_url"`
}

// SchedulerConfig holds background job configuration
type SchedulerConfig struct {
	CleanupIntervalMinutes int           `mapstructure:"cleanup_interval_minutes"`
	RetentionHours         int           `mapstructure:"retention_hours"`
	RenewalIntervalMinutes int           `mapstructure:"renewal_interval_minutes"`
	RenewBeforeHours       int           `mapstructure:"renew_before_hours"`
	SetupMaxAttempts       int           `mapstructure:"setup_max_attempts"`
	SetupInitialBackoff    time.Duration `mapstructure:"setup_initial_backoff"`
	SetupMaxBackoff        time.Duration `mapstructure:"setup_max_backoff"`
}

// ExecutorConfig holds the OpenAI-compatible agent executor settings
type ExecutorConfig struct {
	APIKey              string `mapstructure:"api_key"`
	BaseURL             string `mapstructure:"base_url"`
	Model               string `mapstructure:"model"`
	DefaultSystemPrompt string `mapstructure:"default_system_prompt"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Email.Provider = strings.ToLower(strings.TrimSpace(config.Email.Provider))
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)

	v.SetDefault("log.level", "info")

	v.SetDefault("email.provider", "")
	v.SetDefault("email.outlook.graph_base_url", "https://graph.microsoft.com/v1.0")

	v.SetDefault("scheduler.cleanup_interval_minutes", 60)
	v.SetDefault("scheduler.retention_hours", 24)
	v.SetDefault("scheduler.renewal_interval_minutes", 60)
	v.SetDefault("scheduler.renew_before_hours", 24)
	v.SetDefault("scheduler.setup_max_attempts", 5)
	v.SetDefault("scheduler.setup_initial_backoff", "5s")
	v.SetDefault("scheduler.setup_max_backoff", "60s")

	v.SetDefault("executor.base_url", "https://api.openai.com/v1")
	v.SetDefault("executor.model", "gpt-4o-mini")
	v.SetDefault("executor.default_system_prompt", "You are a helpful assistant answering email.")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")

	v.BindEnv("log.level", "LOG_LEVEL")

	// Incoming email
	v.BindEnv("email.provider", "AGENT_INCOMING_EMAIL_PROVIDER")
	v.BindEnv("email.outlook.tenant_id", "AGENT_INCOMING_EMAIL_OUTLOOK_TENANT_ID")
	v.BindEnv("email.outlook.client_id", "AGENT_INCOMING_EMAIL_OUTLOOK_CLIENT_ID")
	v.BindEnv("email.outlook.client_secret", "AGENT_INCOMING_EMAIL_OUTLOOK_CLIENT_SECRET")
	v.BindEnv("email.outlook.mailbox_address", "AGENT_INCOMING_EMAIL_OUTLOOK_MAILBOX_ADDRESS")
	v.BindEnv("email.outlook.email_domain", "AGENT_INCOMING_EMAIL_OUTLOOK_EMAIL_DOMAIN")
	v.BindEnv("email.outlook.webhook_url", "AGENT_INCOMING_EMAIL_OUTLOOK_WEBHOOK_URL")
	v.BindEnv("email.outlook.graph_base_url", "AGENT_INCOMING_EMAIL_OUTLOOK_GRAPH_BASE_URL")

	// Scheduler
	v.BindEnv("scheduler.cleanup_interval_minutes", "SCHEDULER_CLEANUP_INTERVAL_MINUTES")
	v.BindEnv("scheduler.retention_hours", "SCHEDULER_RETENTION_HOURS")
	v.BindEnv("scheduler.renewal_interval_minutes", "SCHEDULER_RENEWAL_INTERVAL_MINUTES")
	v.BindEnv("scheduler.renew_before_hours", "SCHEDULER_RENEW_BEFORE_HOURS")
	v.BindEnv("scheduler.setup_max_attempts", "SCHEDULER_SETUP_MAX_ATTEMPTS")
	v.BindEnv("scheduler.setup_initial_backoff", "SCHEDULER_SETUP_INITIAL_BACKOFF")
	v.BindEnv("scheduler.setup_max_backoff", "SCHEDULER_SETUP_MAX_BACKOFF")

	// Executor
	v.BindEnv("executor.api_key", "EXECUTOR_API_KEY")
	v.BindEnv("executor.base_url", "EXECUTOR_BASE_URL")
	v.BindEnv("executor.model", "EXECUTOR_MODEL")
	v.BindEnv("executor.default_system_prompt", "EXECUTOR_DEFAULT_SYSTEM_PROMPT")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// IsConfigured reports whether every credential and address Graph needs is present.
func (c *OutlookConfig) IsConfigured() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "" && c.MailboxAddress != ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	switch c.Email.Provider {
	case "":
	case ProviderOutlook:
		if !strings.Contains(c.Email.Outlook.MailboxAddress, "@") && c.Email.Outlook.MailboxAddress != "" {
			return fmt.Errorf("outlook mailbox address %q is not an email address", c.Email.Outlook.MailboxAddress)
		}
	default:
		return fmt.Errorf("unsupported incoming email provider %q", c.Email.Provider)
	}

	if c.Scheduler.CleanupIntervalMinutes <= 0 || c.Scheduler.RenewalIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than 0")
	}
	if c.Scheduler.RetentionHours <= 0 {
		return fmt.Errorf("scheduler retention must be greater than 0")
	}

	return nil
}
