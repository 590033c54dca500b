package db

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/psyho/psyho/pkg/config"
)

// Open connects to the configured database. Relative sqlite names are
// resolved against baseDir.
func Open(cfg config.DatabaseConfig, baseDir string, log *slog.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg, baseDir)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Engine, err)
	}
	return gdb, nil
}

// Dialector picks the gorm dialector for cfg.Engine.
func Dialector(cfg config.DatabaseConfig, baseDir string) (gorm.Dialector, error) {
	switch cfg.Engine {
	case config.EngineSQLite, "":
		name := cfg.Name
		if name == "" {
			name = "db.sqlite3"
		}
		if name != ":memory:" && !filepath.IsAbs(name) {
			name = filepath.Join(baseDir, name)
		}
		return sqlite.Open(name), nil
	case config.EnginePostgres:
		// database/sql driver registered by lib/pq.
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: PostgresDSN(cfg)}), nil
	case config.EngineMySQL:
		return mysql.Open(MySQLDSN(cfg)), nil
	}
	return nil, fmt.Errorf("unknown database engine %q", cfg.Engine)
}

// PostgresDSN renders cfg as a postgres:// URL understood by lib/pq.
func PostgresDSN(cfg config.DatabaseConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=disable",
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// MySQLDSN renders cfg with the go-sql-driver/mysql config builder.
func MySQLDSN(cfg config.DatabaseConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc := mysqldriver.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// Migrate creates or updates the tables for models.
func Migrate(gdb *gorm.DB, models ...any) error {
	if len(models) == 0 {
		return nil
	}
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// gormWriter forwards gorm's log lines to slog.
type gormWriter struct {
	log *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Debug(fmt.Sprintf(format, args...), "component", "gorm")
}

func newGormLogger(log *slog.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
