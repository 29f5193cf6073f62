package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig holds PostgreSQL database connection settings.
type DatabaseConfig struct {
	Host            string        `split_words:"true"`
	Port            string        `split_words:"true" default:"5432"`
	User            string        `split_words:"true"`
	Password        string        `split_words:"true"`
	Name            string        `split_words:"true"`
	SSLMode         string        `split_words:"true" default:"disable"`
	MaxOpenConns    int           `split_words:"true" default:"10"`
	MaxIdleConns    int           `split_words:"true" default:"5"`
	ConnMaxLifetime time.Duration `split_words:"true" default:"5m"`
}

// MinIOConfig holds object storage settings for dataset payloads.
type MinIOConfig struct {
	Endpoint  string `split_words:"true"`
	AccessKey string `split_words:"true"`
	SecretKey string `split_words:"true"`
	Bucket    string `split_words:"true" default:"datasets"`
	UseSSL    bool   `split_words:"true" default:"false"`
}

// TokenConfig controls access token issuance and garbage collection.
type TokenConfig struct {
	UploadTTL       time.Duration `split_words:"true" default:"15m"`
	DownloadTTL     time.Duration `split_words:"true" default:"1h"`
	DownloadMaxUses int           `split_words:"true" default:"5"`
	GCInterval      time.Duration `split_words:"true" default:"10m"`
	GCGrace         time.Duration `split_words:"true" default:"24h"`
}

// TransferConfig points at the external transfer network.
type TransferConfig struct {
	NetworkURL     string        `split_words:"true"`
	Destination    string        `split_words:"true"`
	RetryCeiling   int           `split_words:"true" default:"3"`
	BackoffMin     time.Duration `split_words:"true" default:"500ms"`
	BackoffMax     time.Duration `split_words:"true" default:"30s"`
	PollInterval   time.Duration `split_words:"true" default:"30s"`
	OutcomeTimeout time.Duration `split_words:"true" default:"30m"`
	RequestTimeout time.Duration `split_words:"true" default:"10s"`
	WebhookSecret  string        `split_words:"true"`
}

// AuthConfig verifies caller identities and names the roles that receive
// every dataset notification.
type AuthConfig struct {
	JWTSecret   string   `split_words:"true"`
	NotifyRoles []string `split_words:"true"`
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables. Sensitive values are not hardcoded.
//
// Leaf fields use split_words rather than explicit names: envconfig falls back
// to an explicit name without its prefix, which would read DB_USER from $USER.
type AppConfig struct {
	Port        string `split_words:"true" default:"8080"`
	LogLevel    string `split_words:"true" default:"info"`
	StoreDriver string `split_words:"true" default:"postgres"`

	Database DatabaseConfig `envconfig:"DB"`
	MinIO    MinIOConfig    `envconfig:"MINIO"`
	Token    TokenConfig    `envconfig:"TOKEN"`
	Transfer TransferConfig `envconfig:"TRANSFER"`
	Auth     AuthConfig     `envconfig:"AUTH"`
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("DB_HOST and DB_NAME are required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.MinIO.Endpoint == "" {
		errs = append(errs, errors.New("MINIO_ENDPOINT is required"))
	}
	if c.Transfer.NetworkURL == "" {
		errs = append(errs, errors.New("TRANSFER_NETWORK_URL is required"))
	}
	if c.Transfer.RetryCeiling < 0 {
		errs = append(errs, errors.New("TRANSFER_RETRY_CEILING must not be negative"))
	}
	if c.Token.DownloadMaxUses < 1 {
		errs = append(errs, errors.New("TOKEN_DOWNLOAD_MAX_USES must be at least 1"))
	}
	if c.Token.UploadTTL <= 0 || c.Token.DownloadTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}
