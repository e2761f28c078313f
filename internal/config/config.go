package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"orchestrator"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
	// MaxOpenConns bounds the pool; the event loop, scheduler and api share it.
	MaxOpenConns       int           `envconfig:"DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns       int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	SlowQueryThreshold time.Duration `envconfig:"DB_SLOW_QUERY_THRESHOLD" default:"1s"`
}

type svcConfig struct {
	Address         string `envconfig:"ORCHESTRATOR_ADDRESS" default:":8080"`
	MetricsAddress  string `envconfig:"ORCHESTRATOR_METRICS_ADDRESS" default:":8081"`
	LogLevel        string `envconfig:"ORCHESTRATOR_LOG_LEVEL" default:"info"`
	LogFormat       string `envconfig:"ORCHESTRATOR_LOG_FORMAT" default:"console"`
	MigrationFolder string `envconfig:"ORCHESTRATOR_MIGRATIONS_FOLDER" default:""`
	SeedFile        string `envconfig:"ORCHESTRATOR_SEED_FILE" default:""`
	ScratchRoot     string `envconfig:"ORCHESTRATOR_SCRATCH_ROOT" default:"/tmp/orchestrator"`
	ConsumerID      string `envconfig:"ORCHESTRATOR_CONSUMER_ID" default:""`
	Notifications   notificationsConfig
	Events          eventsConfig
	Scheduler       schedulerConfig
	Artifacts       artifactsConfig
}

type eventsConfig struct {
	PollInterval time.Duration `envconfig:"ORCHESTRATOR_EVENTS_POLL_INTERVAL" default:"10s"`
	BatchSize    int           `envconfig:"ORCHESTRATOR_EVENTS_BATCH_SIZE" default:"20"`
	ClaimTimeout time.Duration `envconfig:"ORCHESTRATOR_EVENTS_CLAIM_TIMEOUT" default:"30m"`
	MaxAttempts  int           `envconfig:"ORCHESTRATOR_EVENTS_MAX_ATTEMPTS" default:"5"`
}

type notificationsConfig struct {
	// File receives one json document per notification. Notifications are logged when empty.
	File       string `envconfig:"ORCHESTRATOR_NOTIFICATIONS_FILE" default:""`
	BufferSize int    `envconfig:"ORCHESTRATOR_NOTIFICATIONS_BUFFER_SIZE" default:"1024"`
}

type schedulerConfig struct {
	Enabled              bool          `envconfig:"ORCHESTRATOR_SCHEDULER_ENABLED" default:"true"`
	Interval             time.Duration `envconfig:"ORCHESTRATOR_SCHEDULER_INTERVAL" default:"1m"`
	SubmissionsPerSecond float64       `envconfig:"ORCHESTRATOR_SCHEDULER_SUBMISSIONS_PER_SECOND" default:"2"`
}

type artifactsConfig struct {
	Backend   string `envconfig:"ORCHESTRATOR_ARTIFACTS_BACKEND" default:"fs"`
	Endpoint  string `envconfig:"ORCHESTRATOR_ARTIFACTS_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"ORCHESTRATOR_ARTIFACTS_S3_BUCKET" default:""`
	AccessKey string `envconfig:"ORCHESTRATOR_ARTIFACTS_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"ORCHESTRATOR_ARTIFACTS_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"ORCHESTRATOR_ARTIFACTS_S3_USE_SSL" default:"false"`
}

// New returns the process-wide configuration, read once from the environment.
func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a fresh configuration built from the environment
// without touching the process-wide instance.
func NewDefault() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewSqlite returns a default configuration pointing at a sqlite database.
func NewSqlite(dsn string) (*Config, error) {
	cfg, err := NewDefault()
	if err != nil {
		return nil, err
	}
	cfg.Database.Type = "sqlite"
	cfg.Database.Name = dsn
	return cfg, nil
}
