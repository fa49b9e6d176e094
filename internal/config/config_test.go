package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/struktr-app/parser/internal/account"
	"github.com/struktr-app/parser/internal/admission"
)

func TestLoad(t *testing.T) {
	t.Setenv("PARSER_TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "parser-api-service", cfg.App.Name)
			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, int64(52428800), cfg.Server.MaxUploadSize)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "parser_db", cfg.Database.Database)
			assert.Equal(t, "minio", cfg.Storage.Backend)
			assert.Equal(t, "webhooks_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "webhooks_dead_letter", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, 10, cfg.RabbitMQ.Consumer.PrefetchCount)
			assert.Equal(t, 2*time.Second, cfg.Batch.ProgressInterval)
			assert.Equal(t, 10*time.Minute, cfg.Scheduler.AsyncTimeout)
			assert.Equal(t, admission.Quota{Limit: 100, Window: time.Minute}, cfg.Admission.Plans[admission.PlanPro])
			require.Len(t, cfg.Accounts, 1)
			assert.Equal(t, []string{"sk_test_acme"}, cfg.Accounts[0].APIKeys)
			assert.Equal(t, 200, cfg.Engine.OCR.DPI)

			assert.NoError(t, cfg.Validate())
			assert.NoError(t, cfg.ValidateDeadLetterWorker())
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", Path: "parser.db"},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "webhooks"},
			Queue:    QueueConfig{Name: "dead_letters"},
		},
		Accounts: []account.Config{{ID: "acme", Plan: "pro", APIKeys: []string{"k"}}},
		Worker:   WorkerConfig{ShutdownTimeout: time.Second},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "memory database", mutate: func(c *Config) { c.Database = DatabaseConfig{Driver: "memory"} }},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "port zero", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, errString: "unsupported database driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Path = "" }, errString: "database path is required"},
		{
			name:      "postgres without host",
			mutate:    func(c *Config) { c.Database = DatabaseConfig{Driver: "postgres", Port: 5432, Database: "db"} },
			errString: "database host is required",
		},
		{name: "minio without endpoint", mutate: func(c *Config) { c.Storage.Backend = "minio" }, errString: "minio endpoint is required"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, errString: "unsupported storage backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Admission.Backend = "redis" }, errString: "redis addr is required"},
		{
			name: "zero quota",
			mutate: func(c *Config) {
				c.Admission.Plans = admission.Plans{admission.PlanFree: {Limit: 0, Window: time.Minute}}
			},
			errString: "plan free",
		},
		{
			name:      "enabled rabbitmq without host",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true; c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{name: "disabled rabbitmq is not checked", mutate: func(c *Config) { c.RabbitMQ = RabbitMQConfig{} }},
		{name: "no accounts", mutate: func(c *Config) { c.Accounts = nil }, errString: "at least one account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestValidateDeadLetterWorker(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "accounts not required", mutate: func(c *Config) { c.Accounts = nil }},
		{name: "memory database", mutate: func(c *Config) { c.Database.Driver = "memory" }, errString: "persistent database driver"},
		{name: "no queue", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "no exchange", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "no shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "shutdown_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateDeadLetterWorker()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
