package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// DB is a MySQL connection pool.
type DB struct {
	*sql.DB
	config *Config
	stats  *PoolStats
	mu     sync.RWMutex
	log    logger.Logger

	monitorCallback func(*PoolStats)
}

// Config represents database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        config.Secret
	DBName          string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// MultiStatements is required by the migrator for multi-statement files.
	MultiStatements bool
	// ConnectAttempts bounds the startup retry loop. Zero means 5.
	ConnectAttempts uint
}

// FromSettings adapts the validated application settings.
func FromSettings(db config.DatabaseConfig) *Config {
	return &Config{
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		DBName:          db.Name,
		MaxOpen:         db.MaxOpen,
		MaxIdle:         db.MaxIdle,
		Timeout:         db.ConnectTimeout,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64
	LastUpdated        time.Time
}

func (cfg *Config) setDefaults() {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 25
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 5
	}
}

// DSN renders the go-sql-driver DSN. It contains the password and must
// never be logged; use Redacted for that.
func (cfg *Config) DSN() string {
	return cfg.driverConfig(cfg.Password.Reveal()).FormatDSN()
}

// Redacted is DSN with the password masked.
func (cfg *Config) Redacted() string {
	return cfg.driverConfig(cfg.Password.String()).FormatDSN()
}

// URL is the mysql:// form used by the migrate CLI, with the password masked.
func (cfg *Config) URL() string {
	return fmt.Sprintf("mysql://%s:%s@%s/%s?parseTime=true",
		cfg.User, cfg.Password.String(), net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.DBName)
}

// WithDBName returns a copy pointed at another schema on the same server.
func (cfg *Config) WithDBName(name string) *Config {
	c := *cfg
	c.DBName = name
	return &c
}

func (cfg *Config) driverConfig(password string) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = cfg.Timeout
	mc.MultiStatements = cfg.MultiStatements
	return mc
}

// NewConnection opens the pool and pings it with exponential backoff until
// the server answers or the attempts are used up.
func NewConnection(ctx context.Context, cfg *Config, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Discard()
	}
	cfg.setDefaults()

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to open database", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ping := func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("Database ping failed, retrying", "addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), "error", err, "next", next)
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.ConnectAttempts),
		backoff.WithNotify(notify),
	); err != nil {
		db.Close()
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBConnection,
			"failed to ping database",
			fmt.Sprintf("%d attempts against %s", cfg.ConnectAttempts, cfg.Redacted()), err)
	}

	log.Info("Database connection established",
		"addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		"database", cfg.DBName,
		"max_open", cfg.MaxOpen,
		"max_idle", cfg.MaxIdle,
		"max_lifetime", cfg.ConnMaxLifetime)

	return &DB{
		DB:     db,
		config: cfg,
		stats:  &PoolStats{},
		log:    log,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBConnection, "database ping failed", err)
	}
	return nil
}

// SetMonitorCallback sets a callback invoked after every stats refresh.
func (db *DB) SetMonitorCallback(callback func(*PoolStats)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.monitorCallback = callback
}

// UpdatePoolStats refreshes the pool statistics. The schema monitor calls
// it on its cron schedule.
func (db *DB) UpdatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.MaxIdleClosed = stats.MaxIdleClosed
	db.stats.MaxLifetimeClosed = stats.MaxLifetimeClosed
	db.stats.LastUpdated = time.Now()
	statsCopy := *db.stats
	callback := db.monitorCallback
	db.mu.Unlock()

	if callback != nil {
		callback(&statsCopy)
	}

	if !poolHealthy(&statsCopy) {
		db.log.Warn("Database connection pool under pressure",
			"wait_count", stats.WaitCount,
			"wait_duration", stats.WaitDuration,
			"in_use", stats.InUse,
			"idle", stats.Idle)
	}
}

// poolHealthy reports whether the pool has headroom: under 80% of the
// connection cap in use and few waits for a connection.
func poolHealthy(stats *PoolStats) bool {
	if stats.MaxOpenConnections > 0 && stats.InUse > stats.MaxOpenConnections*80/100 {
		return false
	}
	return stats.WaitCount <= 100
}
