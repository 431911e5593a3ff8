// Package config loads and validates the marketplace gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ICRM_ prefix (e.g., ICRM_DATABASE_HOST
// overrides database.host in the YAML).
//
// The registry credentials can also be supplied through the unprefixed ICR_*
// variables (ICR_API_URL, ICR_APP_ID, ICR_PRIVATE_KEY, ...) and the token
// encryption key through ENCRYPTION_KEY, so existing deployment secrets keep working.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	ICR       ICRConfig       `mapstructure:"icr"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	State     StateConfig     `mapstructure:"state"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	HomePath     string        `mapstructure:"home_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the public-facing URL registered with the registry as the
// installation redirect target. Falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// ICRConfig holds the remote registry application settings
type ICRConfig struct {
	// APIURL is the registry REST API base, e.g. https://api.carbonregistry.com/v0
	APIURL string `mapstructure:"api_url"`
	// AppURL is the registry web app base used to build the installation URL
	AppURL string `mapstructure:"app_url"`
	// AppID is the issuer claim of app assertions
	AppID string `mapstructure:"app_id"`
	// NameID is the app slug in /apps/{name_id}/installations/new
	NameID string `mapstructure:"name_id"`
	// PrivateKey is the PEM-encoded RSA key; PrivateKeyFile is read when it is empty
	PrivateKey     string        `mapstructure:"private_key"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	APIVersion     string        `mapstructure:"api_version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CallbackPath   string        `mapstructure:"callback_path"`
}

// TokensConfig holds installation token cache configuration
type TokensConfig struct {
	// EncryptionKey must be exactly 32 bytes. When empty, Passphrase and Salt derive the key.
	EncryptionKey string `mapstructure:"encryption_key"`
	Passphrase    string `mapstructure:"passphrase"`
	Salt          string `mapstructure:"salt"`
	// MemoryCache enables the in-process layer in front of the database
	MemoryCache bool `mapstructure:"memory_cache"`
}

// StateConfig holds installation state (CSRF) configuration
type StateConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// StorageConfig holds storage backend configuration for archived retirement certificates
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is optional, for MinIO and other S3-compatible services
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`

	// AuthMethod is one of "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration.
// When RedisURL is set the limit is shared across replicas.
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	RedisURL          string `mapstructure:"redis_url"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// envAliases are unprefixed variable names accepted in addition to the ICRM_ form.
var envAliases = map[string]string{
	"icr.api_url":           "ICR_API_URL",
	"icr.app_url":           "ICR_APP_URL",
	"icr.app_id":            "ICR_APP_ID",
	"icr.name_id":           "ICR_NAME_ID",
	"icr.private_key":       "ICR_PRIVATE_KEY",
	"tokens.encryption_key": "ENCRYPTION_KEY",
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.home_path",
		"server.read_timeout",
		"server.write_timeout",

		// Registry
		"icr.api_url",
		"icr.app_url",
		"icr.app_id",
		"icr.name_id",
		"icr.private_key",
		"icr.private_key_file",
		"icr.api_version",
		"icr.request_timeout",
		"icr.callback_path",

		// Tokens and state
		"tokens.encryption_key",
		"tokens.passphrase",
		"tokens.salt",
		"tokens.memory_cache",
		"state.ttl",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Jobs
		"jobs.sweep_interval",
	}
	for _, key := range keys {
		names := []string{key}
		if alias, ok := envAliases[key]; ok {
			names = append(names, "ICRM_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a viper instance with defaults, config file lookup and env bindings.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/icr-marketplace")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment variables only
	}

	v.SetEnvPrefix("ICRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// decode unmarshals, expands and validates a configuration snapshot.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.ICR.PrivateKey = expandEnv(cfg.ICR.PrivateKey)
	cfg.Tokens.EncryptionKey = expandEnv(cfg.Tokens.EncryptionKey)
	cfg.Tokens.Passphrase = expandEnv(cfg.Tokens.Passphrase)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Security.RateLimiting.RedisURL = expandEnv(cfg.Security.RateLimiting.RedisURL)

	if cfg.ICR.PrivateKey == "" && cfg.ICR.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.ICR.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read icr.private_key_file: %w", err)
		}
		cfg.ICR.PrivateKey = string(data)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.home_path", "/")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "icr_marketplace")
	v.SetDefault("database.user", "marketplace")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Registry defaults
	v.SetDefault("icr.api_version", "2023-06-16")
	v.SetDefault("icr.request_timeout", "30s")
	v.SetDefault("icr.callback_path", "/api/icrCallback")

	// Token and state defaults
	v.SetDefault("tokens.memory_cache", true)
	v.SetDefault("state.ttl", "10m")

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Jobs defaults
	v.SetDefault("jobs.sweep_interval", "5m")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Registry
	if c.ICR.APIURL == "" {
		return fmt.Errorf("icr.api_url is required")
	}
	if c.ICR.AppID == "" {
		return fmt.Errorf("icr.app_id is required")
	}
	if c.ICR.PrivateKey == "" {
		return fmt.Errorf("icr.private_key or icr.private_key_file is required")
	}
	if c.ICR.APIVersion == "" {
		return fmt.Errorf("icr.api_version is required")
	}
	if !strings.HasPrefix(c.ICR.CallbackPath, "/") {
		return fmt.Errorf("icr.callback_path must start with '/': %q", c.ICR.CallbackPath)
	}

	// Token encryption
	if c.Tokens.EncryptionKey == "" && c.Tokens.Passphrase == "" {
		return fmt.Errorf("tokens.encryption_key or tokens.passphrase is required")
	}
	if c.Tokens.EncryptionKey != "" && len(c.Tokens.EncryptionKey) != 32 {
		return fmt.Errorf("tokens.encryption_key must be exactly 32 bytes, got %d", len(c.Tokens.EncryptionKey))
	}
	if c.Tokens.EncryptionKey == "" && len(c.Tokens.Salt) < 16 {
		return fmt.Errorf("tokens.salt must be at least 16 bytes when deriving the key from a passphrase")
	}

	if c.State.TTL <= 0 {
		return fmt.Errorf("state.ttl must be positive")
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	if c.Storage.DefaultBackend == "azure" {
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	}

	if c.Storage.DefaultBackend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	}

	if c.Storage.DefaultBackend == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
	}

	if c.Storage.DefaultBackend == "local" && c.Storage.Local.BasePath == "" {
		return fmt.Errorf("storage.local.base_path is required when using local backend")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InstallURL returns the registry page where an organization admin installs the app.
func (c *Config) InstallURL() string {
	return fmt.Sprintf("%s/apps/%s/installations/new",
		strings.TrimRight(c.ICR.AppURL, "/"), c.ICR.NameID)
}

// CallbackURL returns the absolute redirect target for installation callbacks.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Server.GetPublicURL(), "/") + c.ICR.CallbackPath
}
