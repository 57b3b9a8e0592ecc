package database

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// Targets understood by Upgrade and Downgrade.
const (
	Head = "head"
	Base = "base"
)

// Revision is one versioned up/down pair in the migration source.
type Revision struct {
	Version uint
	Name    string
	HasDown bool
}

// ID is the zero padded version used in file names.
func (r Revision) ID() string {
	return fmt.Sprintf("%06d", r.Version)
}

// Status is the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	// Empty is true when no revision was ever applied.
	Empty bool
	Head  uint
}

// AtHead reports whether every known revision is applied cleanly.
func (s Status) AtHead() bool {
	if s.Dirty {
		return false
	}
	if s.Head == 0 {
		return true
	}
	return !s.Empty && s.Version == s.Head
}

// Migrator handles database migrations
type Migrator struct {
	migrate   *migrate.Migrate
	revisions []Revision
	log       logger.Logger
}

// NewMigrator builds a migrator over an fs.FS of golang-migrate files and
// an already opened database driver.
func NewMigrator(src fs.FS, driver migratedb.Driver, log logger.Logger) (*Migrator, error) {
	if log == nil {
		log = logger.Discard()
	}

	revisions, err := ListRevisions(src)
	if err != nil {
		return nil, err
	}

	sourceDriver, err := iofs.New(src, ".")
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to open migration source", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "mysql", driver)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to create migrator", err)
	}
	m.Log = migrateLogger{log: log}

	return &Migrator{migrate: m, revisions: revisions, log: log}, nil
}

// NewMySQLMigrator migrates db. The pool must be opened with MultiStatements
// so that revisions holding several statements run in one Exec. Closing the
// migrator closes the pool.
func NewMySQLMigrator(db *DB, src fs.FS, log logger.Logger) (*Migrator, error) {
	driver, err := migratemysql.WithInstance(db.DB, &migratemysql.Config{DatabaseName: db.config.DBName})
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to create mysql migration driver", err)
	}
	return NewMigrator(src, driver, log)
}

// ListRevisions parses the file names of src into ordered revisions.
// Files that are not migrations are ignored.
func ListRevisions(src fs.FS) ([]Revision, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to read migration source", err)
	}

	byVersion := make(map[uint]*Revision)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m, err := source.Parse(entry.Name())
		if err != nil {
			continue
		}
		rev, ok := byVersion[m.Version]
		if !ok {
			rev = &Revision{Version: m.Version, Name: m.Identifier}
			byVersion[m.Version] = rev
		}
		if m.Direction == source.Down {
			rev.HasDown = true
		}
	}

	revisions := make([]Revision, 0, len(byVersion))
	for _, rev := range byVersion {
		revisions = append(revisions, *rev)
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Version < revisions[j].Version })
	return revisions, nil
}

// Revisions returns the known revisions, oldest first.
func (m *Migrator) Revisions() []Revision {
	out := make([]Revision, len(m.revisions))
	copy(out, m.revisions)
	return out
}

// Head is the newest known version, or 0 without revisions.
func (m *Migrator) Head() uint {
	if len(m.revisions) == 0 {
		return 0
	}
	return m.revisions[len(m.revisions)-1].Version
}

// Current reads the recorded version.
func (m *Migrator) Current() (Status, error) {
	status := Status{Head: m.Head()}
	version, dirty, err := m.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		status.Empty = true
		return status, nil
	case err != nil:
		return status, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to get migration version", err)
	}
	status.Version = version
	status.Dirty = dirty
	return status, nil
}

// Upgrade migrates forward to target, either Head or a revision id, and
// returns the number of revisions applied. Nothing to do is not an error.
func (m *Migrator) Upgrade(target string) (int, error) {
	before, err := m.cleanStatus()
	if err != nil {
		return 0, err
	}

	var runErr error
	if target == Head || target == "" {
		runErr = m.migrate.Up()
	} else {
		version, err := m.resolve(target)
		if err != nil {
			return 0, err
		}
		if !before.Empty && version < before.Version {
			return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput,
				"revision %s is behind the current revision %06d, use downgrade", target, before.Version)
		}
		runErr = m.migrate.Migrate(version)
	}

	if err := m.runError(runErr, "upgrade"); err != nil {
		return 0, err
	}
	after, err := m.Current()
	if err != nil {
		return 0, err
	}
	applied := m.between(before, after)
	m.log.Info("Database upgraded", "from", versionLabel(before), "to", versionLabel(after), "applied", applied)
	return applied, nil
}

// Downgrade reverts to target: Base, a revision id, or -N for N steps.
// It returns the number of revisions reverted.
func (m *Migrator) Downgrade(target string) (int, error) {
	before, err := m.cleanStatus()
	if err != nil {
		return 0, err
	}

	var runErr error
	switch {
	case target == Base:
		runErr = m.migrate.Down()
	case strings.HasPrefix(target, "-"):
		steps, err := strconv.Atoi(target)
		if err != nil || steps >= 0 {
			return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid step count %q", target)
		}
		runErr = m.migrate.Steps(steps)
	default:
		version, err := m.resolve(target)
		if err != nil {
			return 0, err
		}
		if before.Empty || version > before.Version {
			return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput,
				"revision %s is ahead of the current revision, use upgrade", target)
		}
		runErr = m.migrate.Migrate(version)
	}

	if err := m.runError(runErr, "downgrade"); err != nil {
		return 0, err
	}
	after, err := m.Current()
	if err != nil {
		return 0, err
	}
	reverted := m.between(after, before)
	m.log.Info("Database downgraded", "from", versionLabel(before), "to", versionLabel(after), "reverted", reverted)
	return reverted, nil
}

// Force sets the migration version without running migrations. -1 clears it.
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to force migration version", err)
	}
	m.log.Warn("Forced migration version", "version", version)
	return nil
}

// Close closes the source and the database driver.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// HistoryEntry is one revision with its applied state.
type HistoryEntry struct {
	Revision
	Applied bool
	Current bool
}

// History lists every revision, newest first.
func (m *Migrator) History() ([]HistoryEntry, error) {
	status, err := m.Current()
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(m.revisions))
	for i := len(m.revisions) - 1; i >= 0; i-- {
		rev := m.revisions[i]
		entries = append(entries, HistoryEntry{
			Revision: rev,
			Applied:  !status.Empty && rev.Version <= status.Version,
			Current:  !status.Empty && rev.Version == status.Version,
		})
	}
	return entries, nil
}

func (m *Migrator) cleanStatus() (Status, error) {
	status, err := m.Current()
	if err != nil {
		return status, err
	}
	if status.Dirty {
		return status, dirtyError(status.Version)
	}
	return status, nil
}

func (m *Migrator) resolve(target string) (uint, error) {
	v, err := strconv.ParseUint(target, 10, 64)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid revision %q", target)
	}
	for _, rev := range m.revisions {
		if uint64(rev.Version) == v {
			return rev.Version, nil
		}
	}
	return 0, apperrors.Newf(apperrors.ErrCodeNotFound, "unknown revision %q", target)
}

// between counts revisions in (low, high].
func (m *Migrator) between(low, high Status) int {
	n := 0
	for _, rev := range m.revisions {
		if !high.Empty && rev.Version <= high.Version && (low.Empty || rev.Version > low.Version) {
			n++
		}
	}
	return n
}

func (m *Migrator) runError(err error, op string) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return dirtyError(uint(dirty.Version))
	}
	return apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to "+op+" database", err)
}

func dirtyError(version uint) *apperrors.AppError {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeMigrationDirty,
		"database is in a dirty state",
		fmt.Sprintf("revision %06d failed part way; fix the schema by hand, then run migrate force", version), nil).
		WithContext("version", version)
}

func versionLabel(s Status) string {
	if s.Empty {
		return Base
	}
	return fmt.Sprintf("%06d", s.Version)
}

type migrateLogger struct {
	log logger.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}
