package database

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormlogger.LogLevel
}

func Connect(dsn string) (*gorm.DB, error) {
	return ConnectWithOptions(dsn, Options{LogLevel: gormlogger.Warn})
}

func ConnectWithOptions(dsn string, opts Options) (*gorm.DB, error) {
	cfg := &gorm.Config{
		// All timestamps are compared as UTC, including the ones gorm fills in.
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(log.New(os.Stdout, "", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		log.Println("Connecting to PostgreSQL...")
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		log.Println("Using SQLite for local development:", dsn)
		db, err = gorm.Open(
			gormsqlite.New(gormsqlite.Config{
				DriverName: "sqlite",
				DSN:        dsn,
			}),
			cfg,
		)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// Models lists every table owned by the auth core.
func Models() []any {
	return []any{
		&domain.Account{},
		&domain.Session{},
		&domain.RefreshToken{},
		&domain.BlacklistEntry{},
		&domain.RateLimitCounter{},
		&domain.TwoFactorEnrollment{},
		&domain.BackupCode{},
		&domain.TrustedDevice{},
	}
}

func Migrate(db *gorm.DB) error {
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return nil
}

func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
