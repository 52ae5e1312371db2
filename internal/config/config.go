package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Pool        PoolConfig
	Workflow    WorkflowConfig
	Kubernetes  KubernetesConfig
	SSH         SSHConfig
	SharedStore SharedStoreConfig
	Cloudflare  CloudflareConfig
	Catalog     CatalogConfig
	Log         LogConfig
	Tracing     TracingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string `validate:"required,numeric"`
	Host string
	Env  string `validate:"oneof=development staging production"`
}

// IsDevelopment returns true if the environment is development
func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development" || s.Env == ""
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// DatabaseConfig holds the broker's own database configuration.
// Driver is "pgx" for PostgreSQL or "sqlite" for a local file.
type DatabaseConfig struct {
	Driver string `validate:"oneof=pgx sqlite"`
	URL    string `validate:"required"`
}

// PoolConfig sizes the internal identifier pool
type PoolConfig struct {
	Capacity int `validate:"min=1,max=100000"`
}

// WorkflowConfig bounds the background provisioning workflows
type WorkflowConfig struct {
	PhaseTimeout      time.Duration `validate:"gt=0"`
	ResumeConcurrency int           `validate:"min=1"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`
}

// KubernetesConfig holds settings for the deployment driver
type KubernetesConfig struct {
	Kubeconfig    string // empty means in-cluster, then $KUBECONFIG / ~/.kube/config
	AppDomain     string `validate:"required,hostname"`
	IngressClass  string
	FieldManager  string `validate:"required"`
	Memory        string `validate:"required"`
	Instances     int    `validate:"min=1"`
	NamePrefix    string `validate:"required,alphanum,lowercase"`
	TLSSecretName string
	Timezone      string `validate:"required,timezone"`
}

// SSHConfig holds settings for fetching the generated configuration artifact
type SSHConfig struct {
	Domain     string `validate:"required,hostname"`
	Port       int    `validate:"min=1,max=65535"`
	User       string `validate:"required"`
	PrivateKey string // PEM, may be base64-encoded
	Password   string
	KnownHosts string // path; empty disables host key checking
	RemotePath string `validate:"required"`
	Timeout    time.Duration
}

// SharedStoreConfig holds the shared data store credentials handed to instances
type SharedStoreConfig struct {
	URL      string `validate:"required"`
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	Name     string `validate:"required"`
	User     string `validate:"required"`
	Password string
}

// CloudflareConfig holds Cloudflare configuration. Route registration is
// skipped when APIToken is empty.
type CloudflareConfig struct {
	APIToken  string
	TunnelID  string
	AccountID string
	ZoneID    string
	Service   string
}

// Enabled reports whether tunnel routes should be registered
func (c *CloudflareConfig) Enabled() bool {
	return c.APIToken != ""
}

// CatalogConfig points to the release and plan catalog
type CatalogConfig struct {
	Path string // empty uses the embedded catalog
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text gcp"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled     bool
	ServiceName string `validate:"required"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "pgx"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Pool: PoolConfig{
			Capacity: getEnvInt("POOL_CAPACITY", 1000),
		},
		Workflow: WorkflowConfig{
			PhaseTimeout:      getEnvDuration("WORKFLOW_PHASE_TIMEOUT", 10*time.Minute),
			ResumeConcurrency: getEnvInt("WORKFLOW_RESUME_CONCURRENCY", 4),
			ShutdownTimeout:   getEnvDuration("WORKFLOW_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Kubernetes: KubernetesConfig{
			Kubeconfig:    getEnv("KUBECONFIG", ""),
			AppDomain:     getEnv("APP_DOMAIN", ""),
			IngressClass:  getEnv("INGRESS_CLASS", "nginx"),
			FieldManager:  getEnv("K8S_FIELD_MANAGER", "analytics-broker"),
			Memory:        getEnv("APP_MEMORY", "512Mi"),
			Instances:     getEnvInt("APP_INSTANCES", 1),
			NamePrefix:    getEnv("APP_NAME_PREFIX", "analytics"),
			TLSSecretName: getEnv("APP_TLS_SECRET", ""),
			Timezone:      getEnv("APP_TIMEZONE", "UTC"),
		},
		SSH: SSHConfig{
			Domain:     getEnv("SSH_DOMAIN", ""),
			Port:       getEnvInt("SSH_PORT", 2222),
			User:       getEnv("SSH_USER", "vcap"),
			PrivateKey: getEnv("SSH_PRIVATE_KEY", ""),
			Password:   getEnv("SSH_PASSWORD", ""),
			KnownHosts: getEnv("SSH_KNOWN_HOSTS", ""),
			RemotePath: getEnv("SSH_CONFIG_PATH", "/var/www/html/config/config.ini.php"),
			Timeout:    getEnvDuration("SSH_TIMEOUT", 30*time.Second),
		},
		SharedStore: SharedStoreConfig{
			URL:      getEnv("SHARED_STORE_URL", ""),
			Host:     getEnv("SHARED_STORE_HOST", ""),
			Port:     getEnvInt("SHARED_STORE_PORT", 5432),
			Name:     getEnv("SHARED_STORE_NAME", "analytics"),
			User:     getEnv("SHARED_STORE_USER", ""),
			Password: getEnv("SHARED_STORE_PASSWORD", ""),
		},
		Cloudflare: CloudflareConfig{
			APIToken:  getEnv("CLOUDFLARE_API_TOKEN", ""),
			TunnelID:  getEnv("CLOUDFLARE_TUNNEL_ID", ""),
			AccountID: getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
			ZoneID:    getEnv("CLOUDFLARE_ZONE_ID", ""),
			Service:   getEnv("CLOUDFLARE_TUNNEL_SERVICE", "http://ingress-nginx-controller.ingress-nginx.svc.cluster.local"),
		},
		Catalog: CatalogConfig{
			Path: getEnv("CATALOG_PATH", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "analytics-broker"),
		},
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.SSH.PrivateKey == "" && c.SSH.Password == "" {
		return fmt.Errorf("SSH_PRIVATE_KEY or SSH_PASSWORD is required")
	}
	if c.Cloudflare.Enabled() && (c.Cloudflare.TunnelID == "" || c.Cloudflare.AccountID == "" || c.Cloudflare.ZoneID == "") {
		return fmt.Errorf("CLOUDFLARE_TUNNEL_ID, CLOUDFLARE_ACCOUNT_ID and CLOUDFLARE_ZONE_ID are required when CLOUDFLARE_API_TOKEN is set")
	}
	return nil
}

// LoadDatabase loads only the database settings, for tools that never touch
// the platform (migrations, platform registration).
func LoadDatabase() (*DatabaseConfig, error) {
	_ = godotenv.Load()

	db := &DatabaseConfig{
		Driver: getEnv("DATABASE_DRIVER", "pgx"),
		URL:    getEnv("DATABASE_URL", ""),
	}
	if err := validator.New().Struct(db); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return db, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// LoadPool loads only the identifier pool settings.
func LoadPool() (*PoolConfig, error) {
	_ = godotenv.Load()

	pool := &PoolConfig{Capacity: getEnvInt("POOL_CAPACITY", 1000)}
	if err := validator.New().Struct(pool); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return pool, nil
}
