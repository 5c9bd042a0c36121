package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// A multi-row INSERT binds one parameter per column per row and PostgreSQL
// accepts at most maxBindParameters per statement
const (
	maxBindParameters = 65535

	// player_stats is the widest window row
	windowColumns      = 8
	associationColumns = 2

	// MaxWindowSize bounds import.window_size
	MaxWindowSize = maxBindParameters / windowColumns
	// MaxAssociationWindowSize bounds import.association_window_size
	MaxAssociationWindowSize = maxBindParameters / associationColumns
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	SteamSpy    SteamSpyConfig    `yaml:"steamspy"`
	Import      ImportConfig      `yaml:"import"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	// URL overrides the individual fields, DATABASE_URL sets it
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ClaimTTL is how long a runner's claim on a job survives without a
	// heartbeat before another runner may adopt the job
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// RedisConfig enables the shared item cache
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ObjectStoreConfig enables s3:// dataset paths
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// SteamSpyConfig holds the SteamSpy client and its rate limits
type SteamSpyConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PageInterval spaces request=all calls
	PageInterval time.Duration `yaml:"page_interval"`
	// ItemInterval spaces request=appdetails calls
	ItemInterval time.Duration `yaml:"item_interval"`
}

// ImportConfig holds bulk import settings
type ImportConfig struct {
	WindowSize            int `yaml:"window_size"`
	AssociationWindowSize int `yaml:"association_window_size"`
}

// PipelineConfig lists the jobs run by `etlctl pipeline run`
type PipelineConfig struct {
	// Executable is the etlctl binary, defaults to the running executable
	Executable    string              `yaml:"executable"`
	StopOnFailure bool                `yaml:"stop_on_failure"`
	Jobs          []PipelineJobConfig `yaml:"jobs"`
}

// PipelineJobConfig is one pipeline job running an etlctl subcommand
type PipelineJobConfig struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Args        []string      `yaml:"args"`
	Enabled     bool          `yaml:"enabled"`
	MaxRuntime  time.Duration `yaml:"max_runtime"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.SteamSpy.RequestTimeout <= 0 {
		c.SteamSpy.RequestTimeout = 60 * time.Second
	}
	if c.SteamSpy.PageInterval <= 0 {
		c.SteamSpy.PageInterval = 60 * time.Second
	}
	if c.SteamSpy.ItemInterval <= 0 {
		c.SteamSpy.ItemInterval = time.Second
	}
	if c.Import.WindowSize <= 0 {
		c.Import.WindowSize = 1000
	}
	if c.Import.AssociationWindowSize <= 0 {
		c.Import.AssociationWindowSize = 5000
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "ingest:"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ClaimTTL <= 0 {
		c.Worker.ClaimTTL = 2 * time.Minute
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
}

// applyEnv lets secrets and the database URL come from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		c.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("STEAMSPY_BASE_URL"); v != "" {
		c.SteamSpy.BaseURL = v
	}
	if v, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil {
		c.Server.Port = v
	}
}

// Validate checks the settings the API service needs
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if err := c.ValidateRabbitMQ(); err != nil {
		return err
	}
	return c.validateOptional()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if err := c.ValidateRabbitMQ(); err != nil {
		return err
	}
	if c.Worker.Concurrency != 1 {
		return fmt.Errorf("worker concurrency must be 1, jobs never run concurrently")
	}
	if c.RabbitMQ.Consumer.PrefetchCount != 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be 1")
	}
	return c.validateOptional()
}

// ValidateCLIConfig checks the settings etlctl needs
func (c *Config) ValidateCLIConfig() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	for i, job := range c.Pipeline.Jobs {
		if job.Name == "" {
			return fmt.Errorf("pipeline job %d name is required", i)
		}
		if job.MaxRuntime < 0 {
			return fmt.Errorf("pipeline job %q max_runtime must not be negative", job.Name)
		}
	}
	return c.validateOptional()
}

// ValidateDatabase checks the PostgreSQL settings
func (c *Config) ValidateDatabase() error {
	if c.Database.URL != "" {
		return nil
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// ValidateRabbitMQ checks the queue settings
func (c *Config) ValidateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}

func (c *Config) validateOptional() error {
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.ObjectStore.Enabled && c.ObjectStore.Endpoint == "" {
		return fmt.Errorf("object_store endpoint is required when object_store is enabled")
	}
	if c.Import.WindowSize < 0 || c.Import.AssociationWindowSize < 0 {
		return fmt.Errorf("import window sizes must not be negative")
	}
	if c.Import.WindowSize > MaxWindowSize {
		return fmt.Errorf("import window_size %d exceeds %d rows", c.Import.WindowSize, MaxWindowSize)
	}
	if c.Import.AssociationWindowSize > MaxAssociationWindowSize {
		return fmt.Errorf("import association_window_size %d exceeds %d rows", c.Import.AssociationWindowSize, MaxAssociationWindowSize)
	}
	return nil
}
