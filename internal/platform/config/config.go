package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full service configuration. Every field can come from the YAML
// file passed with --config or from the environment variable in its env tag.
type Config struct {
	App          AppConfig          `yaml:"app"`
	HTTP         HTTPConfig         `yaml:"http"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Mail         MailConfig         `yaml:"mail"`
	Access       AccessConfig       `yaml:"access"`
	Verification VerificationConfig `yaml:"verification"`
}

type AppConfig struct {
	Name      string `yaml:"name" env:"IDLINK_APP_NAME" env-default:"idlink"`
	Env       string `yaml:"env" env:"IDLINK_ENV" env-default:"development"`
	LogLevel  string `yaml:"log_level" env:"IDLINK_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"IDLINK_LOG_FORMAT" env-default:"json"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"IDLINK_HTTP_ADDR" env-default:":8080"`
	AdminToken      string        `yaml:"admin_token" env:"IDLINK_ADMIN_TOKEN"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"IDLINK_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"IDLINK_HTTP_WRITE_TIMEOUT" env-default:"60s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLINK_HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"IDLINK_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// StoreConfig selects the mapping store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"IDLINK_STORE_DRIVER" env-default:"sqlite"`
	Path   string `yaml:"path" env:"IDLINK_STORE_PATH" env-default:"idlink.db"`
	URL    string `yaml:"url" env:"IDLINK_STORE_URL"`
}

// RedisConfig enables the distributed key lock when URL is set.
type RedisConfig struct {
	URL          string        `yaml:"url" env:"IDLINK_REDIS_URL"`
	PoolSize     int           `yaml:"pool_size" env:"IDLINK_REDIS_POOL_SIZE" env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"IDLINK_REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"IDLINK_REDIS_DIAL_TIMEOUT" env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"IDLINK_REDIS_READ_TIMEOUT" env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"IDLINK_REDIS_WRITE_TIMEOUT" env-default:"3s"`
	LockTTL      time.Duration `yaml:"lock_ttl" env:"IDLINK_REDIS_LOCK_TTL" env-default:"10s"`
}

type DirectoryConfig struct {
	Provider     string        `yaml:"provider" env:"IDLINK_DIRECTORY_PROVIDER" env-default:"ldap"`
	URL          string        `yaml:"url" env:"IDLINK_DIRECTORY_URL" env-default:"ldaps://uwldap.uwaterloo.ca"`
	BaseDN       string        `yaml:"base_dn" env:"IDLINK_DIRECTORY_BASE_DN" env-default:"dc=uwaterloo,dc=ca"`
	Filter       string        `yaml:"filter" env:"IDLINK_DIRECTORY_FILTER" env-default:"(mailLocalAddress=%s@uwaterloo.ca)"`
	BindDN       string        `yaml:"bind_dn" env:"IDLINK_DIRECTORY_BIND_DN"`
	BindPassword string        `yaml:"bind_password" env:"IDLINK_DIRECTORY_BIND_PASSWORD"`
	Timeout      time.Duration `yaml:"timeout" env:"IDLINK_DIRECTORY_TIMEOUT" env-default:"7s"`
	// Static maps claimed alias to canonical alias when Provider is "static".
	Static map[string]string `yaml:"static" env:"IDLINK_DIRECTORY_STATIC" env-separator:","`
}

type MailConfig struct {
	Provider   string        `yaml:"provider" env:"IDLINK_MAIL_PROVIDER" env-default:"brevo"`
	APIKey     string        `yaml:"api_key" env:"IDLINK_MAIL_API_KEY"`
	BaseURL    string        `yaml:"base_url" env:"IDLINK_MAIL_BASE_URL" env-default:"https://api.brevo.com"`
	TemplateID int64         `yaml:"template_id" env:"IDLINK_MAIL_TEMPLATE_ID"`
	ReplyTo    string        `yaml:"reply_to" env:"IDLINK_MAIL_REPLY_TO"`
	Domain     string        `yaml:"domain" env:"IDLINK_MAIL_DOMAIN" env-default:"uwaterloo.ca"`
	Timeout    time.Duration `yaml:"timeout" env:"IDLINK_MAIL_TIMEOUT" env-default:"10s"`
}

type AccessConfig struct {
	Provider string   `yaml:"provider" env:"IDLINK_ACCESS_PROVIDER" env-default:"log"`
	Brokers  []string `yaml:"brokers" env:"IDLINK_ACCESS_BROKERS" env-separator:","`
	Topic    string   `yaml:"topic" env:"IDLINK_ACCESS_TOPIC" env-default:"idlink.access"`
	Groups   []string `yaml:"groups" env:"IDLINK_ACCESS_GROUPS" env-separator:","`
}

type VerificationConfig struct {
	CodeLength   int           `yaml:"code_length" env:"IDLINK_CODE_LENGTH" env-default:"6"`
	CodeTTL      time.Duration `yaml:"code_ttl" env:"IDLINK_CODE_TTL" env-default:"15m"`
	SweepGrace   time.Duration `yaml:"sweep_grace" env:"IDLINK_SWEEP_GRACE" env-default:"15m"`
	Workers      int           `yaml:"workers" env:"IDLINK_WORKERS" env-default:"8"`
	QueueSize    int           `yaml:"queue_size" env:"IDLINK_QUEUE_SIZE" env-default:"256"`
	BeginLimit   int           `yaml:"begin_limit" env:"IDLINK_BEGIN_LIMIT" env-default:"5"`
	ConfirmLimit int           `yaml:"confirm_limit" env:"IDLINK_CONFIRM_LIMIT" env-default:"10"`
	LimitWindow  time.Duration `yaml:"limit_window" env:"IDLINK_LIMIT_WINDOW" env-default:"15m"`
}

// Load reads configuration from path when given, otherwise from the
// environment. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints cleanenv cannot express.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.URL == "" {
			return errors.New("store.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Directory.Provider {
	case "ldap", "static":
	default:
		return fmt.Errorf("unknown directory provider %q", c.Directory.Provider)
	}
	switch c.Mail.Provider {
	case "log":
	case "brevo":
		if c.Mail.APIKey == "" || c.Mail.TemplateID == 0 {
			return errors.New("mail.api_key and mail.template_id are required for the brevo provider")
		}
	default:
		return fmt.Errorf("unknown mail provider %q", c.Mail.Provider)
	}
	switch c.Access.Provider {
	case "log":
	case "kafka":
		if len(c.Access.Brokers) == 0 {
			return errors.New("access.brokers is required for the kafka provider")
		}
	default:
		return fmt.Errorf("unknown access provider %q", c.Access.Provider)
	}
	if c.Verification.CodeLength <= 0 || c.Verification.CodeTTL <= 0 {
		return errors.New("verification.code_length and verification.code_ttl must be positive")
	}
	if c.Verification.Workers <= 0 || c.Verification.QueueSize <= 0 {
		return errors.New("verification.workers and verification.queue_size must be positive")
	}
	return nil
}
