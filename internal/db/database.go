package db

import (
	"fmt"
	stlog "log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database identified by dsn. A postgres:// DSN selects
// the postgres driver, anything else is treated as a sqlite path.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var gormLogLevel gormlogger.LogLevel
	switch log.Logger.GetLevel() {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		gormLogLevel = gormlogger.Info
	case zerolog.WarnLevel:
		gormLogLevel = gormlogger.Warn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		gormLogLevel = gormlogger.Error
	default:
		gormLogLevel = gormlogger.Silent
	}

	newLogger := gormlogger.New(
		stlog.New(log.Logger, "", stlog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Msg("Database connection established")
	return conn, nil
}

// Migrate runs gorm's AutoMigrate for the given models.
func Migrate(conn *gorm.DB, models ...interface{}) error {
	if conn == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := conn.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Info().Int("models", len(models)).Msg("Database migration completed")
	return nil
}
