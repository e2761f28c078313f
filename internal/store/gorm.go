package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ngrok/sqlmw"
	"github.com/sen2agri/orchestrator/internal/config"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const instrumentedDriverName = "pgx-instrumented"

var registerDriver sync.Once

// InitDB opens the configured database. Postgres connections go through the
// sqlmw driver so statement latencies reach prometheus.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	log := zap.S().Named("gorm")

	db, err := gorm.Open(dialector(cfg), &gorm.Config{Logger: sqlLogger(cfg), TranslateError: true})
	if err != nil {
		log.Errorf("failed to connect database: %v", err)
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Errorf("failed to configure connections: %v", err)
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if cfg.Database.Type == "pgsql" {
		var version string
		if result := db.Raw("SELECT version()").Scan(&version); result.Error != nil {
			return nil, result.Error
		}
		log.Infof("PostgreSQL information: '%s'", version)
	}

	return db, nil
}

func dialector(cfg *config.Config) gorm.Dialector {
	if cfg.Database.Type != "pgsql" {
		return sqlite.Open(cfg.Database.Name)
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
	)
	if cfg.Database.Name != "" {
		dsn = fmt.Sprintf("%s dbname=%s", dsn, cfg.Database.Name)
	}
	registerDriver.Do(func() {
		sql.Register(instrumentedDriverName, sqlmw.Driver(stdlib.GetDefaultDriver(), &metricInterceptor{}))
	})
	return postgres.New(postgres.Config{
		DriverName: instrumentedDriverName,
		DSN:        dsn,
	})
}

func sqlLogger(cfg *config.Config) logger.Interface {
	return logger.New(
		logrus.New(),
		logger.Config{
			SlowThreshold:             cfg.Database.SlowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
}
