// Package db opens the relational store backing run-report persistence.
// Postgres when POSTGRES_HOST is set, otherwise a local SQLite file, so a
// laptop run still keeps its history without any infrastructure.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/omnisure/policygraph/internal/platform/envutil"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type Service struct {
	db      *gorm.DB
	dialect string
	log     *logger.Logger
}

// NewService connects using POSTGRES_* env config when POSTGRES_HOST is set,
// and falls back to SQLite at RUN_DB_PATH otherwise. RUN_DB_PATH=off disables
// persistence entirely and returns (nil, nil).
func NewService(logg *logger.Logger) (*Service, error) {
	if logg == nil {
		return nil, fmt.Errorf("db: logger required")
	}
	serviceLog := logg.With("service", "DBService")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	postgresHost := envutil.Str("POSTGRES_HOST", "")
	if postgresHost != "" {
		dsn := fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.Str("POSTGRES_USER", "postgres"),
			envutil.Str("POSTGRES_PASSWORD", ""),
			postgresHost,
			envutil.Str("POSTGRES_PORT", "5432"),
			envutil.Str("POSTGRES_NAME", "policygraph"),
		)
		gdb, err := gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to Postgres: %w", err)
		}
		return &Service{db: gdb, dialect: "postgres", log: serviceLog}, nil
	}

	path := envutil.Str("RUN_DB_PATH", "policygraph_runs.db")
	if path == "off" {
		return nil, nil
	}
	gdb, err := gorm.Open(sqlite.Open(path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: open SQLite at %s: %w", path, err)
	}
	serviceLog.Info("using local SQLite run store", "path", path)
	return &Service{db: gdb, dialect: "sqlite", log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Dialect() string {
	if s == nil {
		return ""
	}
	return s.dialect
}

func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
