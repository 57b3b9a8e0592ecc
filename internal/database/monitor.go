package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/robfig/cron/v3"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

const mysqlErrNoSuchTable = 1146

// StatusReader reports the schema version of a database.
type StatusReader interface {
	Status(ctx context.Context) (Status, error)
}

// SchemaReader reads the version table directly. Unlike Migrator it takes no
// migration lock and never creates the version table, so the server can use
// it on its regular pool.
type SchemaReader struct {
	db   *sql.DB
	head uint
}

// NewSchemaReader compares db against the newest revision in src.
func NewSchemaReader(db *sql.DB, src fs.FS) (*SchemaReader, error) {
	revisions, err := ListRevisions(src)
	if err != nil {
		return nil, err
	}
	var head uint
	if len(revisions) > 0 {
		head = revisions[len(revisions)-1].Version
	}
	return &SchemaReader{db: db, head: head}, nil
}

func (r *SchemaReader) Status(ctx context.Context) (Status, error) {
	status := Status{Head: r.head}
	var version int64
	err := r.db.QueryRowContext(ctx, "SELECT version, dirty FROM "+quoteIdent(versionTable)+" LIMIT 1").
		Scan(&version, &status.Dirty)

	var myErr *mysql.MySQLError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status.Empty = true
		return status, nil
	case errors.As(err, &myErr) && myErr.Number == mysqlErrNoSuchTable:
		status.Empty = true
		return status, nil
	case err != nil:
		return status, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to read schema version", err)
	}
	if version < 0 {
		status.Empty = true
		return status, nil
	}
	status.Version = uint(version)
	return status, nil
}

// Status lets a Migrator stand in for a SchemaReader.
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	return m.Current()
}

// CheckAtHead returns nil when the schema is clean and fully migrated.
func CheckAtHead(ctx context.Context, r StatusReader) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status.Dirty {
		return dirtyError(status.Version)
	}
	if !status.AtHead() {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDependencyUnhealthy,
			"schema is not at head",
			fmt.Sprintf("at %s, head is %06d", versionLabel(status), status.Head), nil)
	}
	return nil
}

// MonitorConfig contains configuration for schema monitoring.
type MonitorConfig struct {
	// Cron specs. Empty disables the job.
	SchemaSchedule string
	StatsSchedule  string
	// Consecutive failed checks before NotificationFunc fires.
	AlertThreshold   int
	NotificationFunc func(string)
	// StatusFunc receives every successful check.
	StatusFunc func(Status)
}

func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		SchemaSchedule: "@every 30s",
		StatsSchedule:  "@every 30s",
		AlertThreshold: 2,
	}
}

// MonitorState is the last observation of the monitor.
type MonitorState struct {
	Status      Status
	LastChecked time.Time
	ErrorCount  int
	LastError   error
}

// Monitor periodically checks the schema version and refreshes pool
// statistics. It only reports; it never migrates or forces a version.
type Monitor struct {
	reader StatusReader
	db     *DB
	config *MonitorConfig
	log    logger.Logger
	cron   *cron.Cron

	mu    sync.RWMutex
	state MonitorState
}

// NewMonitor creates a monitor. db may be nil to skip pool statistics.
func NewMonitor(reader StatusReader, db *DB, config *MonitorConfig, log logger.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if log == nil {
		log = logger.Discard()
	}
	cronLog := cronLogger{log: log}
	return &Monitor{
		reader: reader,
		db:     db,
		config: config,
		log:    log,
		cron:   cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
	}
}

// Start schedules the jobs and runs one schema check immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m.config.SchemaSchedule != "" {
		if _, err := m.cron.AddFunc(m.config.SchemaSchedule, func() { m.Check(ctx) }); err != nil {
			return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid schema monitor schedule", err)
		}
	}
	if m.config.StatsSchedule != "" && m.db != nil {
		if _, err := m.cron.AddFunc(m.config.StatsSchedule, m.db.UpdatePoolStats); err != nil {
			return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid pool stats schedule", err)
		}
	}
	m.Check(ctx)
	m.cron.Start()
	m.log.Info("Schema monitor started", "schema_schedule", m.config.SchemaSchedule, "stats_schedule", m.config.StatsSchedule)
	return nil
}

// Stop waits for running jobs to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info("Schema monitor stopped")
}

// Check reads the schema version once and records the result.
func (m *Monitor) Check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := m.reader.Status(checkCtx)

	m.mu.Lock()
	m.state.LastChecked = time.Now()
	if err != nil {
		m.state.ErrorCount++
		m.state.LastError = err
		count := m.state.ErrorCount
		m.mu.Unlock()

		m.log.Warn("Schema check failed", "error", err, "consecutive", count)
		if count == m.config.AlertThreshold {
			m.notify(fmt.Sprintf("schema check failed %d times in a row: %v", count, err))
		}
		return
	}
	previous := m.state.Status
	m.state.Status = status
	m.state.ErrorCount = 0
	m.state.LastError = nil
	m.mu.Unlock()

	if m.config.StatusFunc != nil {
		m.config.StatusFunc(status)
	}

	switch {
	case status.Dirty && !previous.Dirty:
		m.notify(fmt.Sprintf("dirty migration state at revision %06d, manual intervention required", status.Version))
	case !status.AtHead():
		m.log.Warn("Schema behind head", "current", versionLabel(status), "head", status.Head)
	default:
		m.log.Debug("Schema at head", "version", status.Version)
	}
}

// State returns a copy of the last observation.
func (m *Monitor) State() MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) notify(message string) {
	m.log.Error("Schema alert", "message", message)
	if m.config.NotificationFunc != nil {
		m.config.NotificationFunc(message)
	}
}

type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).Error("cron: "+msg, keysAndValues...)
}
