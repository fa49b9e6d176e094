package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/struktr-app/parser/internal/account"
	"github.com/struktr-app/parser/internal/admission"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig        `yaml:"app"`
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Storage   StorageConfig    `yaml:"storage"`
	RabbitMQ  RabbitMQConfig   `yaml:"rabbitmq"`
	Logging   LoggingConfig    `yaml:"logging"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Batch     BatchConfig      `yaml:"batch"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Admission AdmissionConfig  `yaml:"admission"`
	Accounts  []account.Config `yaml:"accounts"`
	Engine    EngineConfig     `yaml:"engine"`
	Fetch     FetchConfig      `yaml:"fetch"`
	Worker    WorkerConfig     `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int           `yaml:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize      int64         `yaml:"max_upload_size"`
	MaxBatchUploadSize int64         `yaml:"max_batch_upload_size"`
}

// DatabaseConfig holds SQL connection configuration. Driver "memory" keeps
// everything in process.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the admission counter backend connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig selects where uploaded documents are kept
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig holds S3-compatible object storage settings
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
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
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
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
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// SchedulerConfig sizes the parse worker pool
type SchedulerConfig struct {
	WorkerID     string        `yaml:"worker_id"`
	Concurrency  int           `yaml:"concurrency"`
	QueueDepth   int           `yaml:"queue_depth"`
	MaxFileSize  int64         `yaml:"max_file_size"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	AsyncTimeout time.Duration `yaml:"async_timeout"`
}

// BatchConfig holds batch coordinator limits
type BatchConfig struct {
	MaxSize          int           `yaml:"max_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// WebhookConfig holds delivery settings
type WebhookConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// AdmissionConfig selects the counter backend and per plan quotas
type AdmissionConfig struct {
	Backend string          `yaml:"backend"`
	Prefix  string          `yaml:"prefix"`
	Plans   admission.Plans `yaml:"plans"`
}

// EngineConfig holds the default extraction engine settings
type EngineConfig struct {
	OCR OCRConfig `yaml:"ocr"`
}

// OCRConfig points at the external OCR tools
type OCRConfig struct {
	Pdftoppm    string `yaml:"pdftoppm"`
	Tesseract   string `yaml:"tesseract"`
	DPI         int    `yaml:"dpi"`
	MaxPages    int    `yaml:"max_pages"`
	TessdataDir string `yaml:"tessdata_dir"`
}

// FetchConfig holds URL source download limits
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxSize   int64         `yaml:"max_size"`
	UserAgent string        `yaml:"user_agent"`
}

// WorkerConfig holds dead letter worker settings
type WorkerConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and parses the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks the API service configuration
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(true); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "minio":
		if c.Storage.Minio.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required")
		}
		if c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("minio bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	switch c.Admission.Backend {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis admission backend")
		}
	default:
		return fmt.Errorf("unsupported admission backend: %s", c.Admission.Backend)
	}
	for plan, q := range c.Admission.Plans {
		if q.Limit <= 0 || q.Window <= 0 {
			return fmt.Errorf("plan %s: limit and window must be greater than 0", plan)
		}
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler concurrency must not be negative")
	}
	if c.Batch.MaxSize < 0 {
		return fmt.Errorf("batch max_size must not be negative")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	return nil
}

// ValidateDeadLetterWorker checks the dead letter worker configuration
func (c *Config) ValidateDeadLetterWorker() error {
	if err := c.validateDatabase(false); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase(allowMemory bool) error {
	switch c.Database.Driver {
	case "memory":
		if !allowMemory {
			return fmt.Errorf("a persistent database driver is required")
		}
	case "postgres", "":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
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
