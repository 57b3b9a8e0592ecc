package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

const versionTable = "schema_migrations"

// Column is one column as reported by information_schema.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
	Extra    string
}

var numericDefault = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Definition renders the column for ADD/MODIFY COLUMN.
func (c Column) Definition() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", quoteIdent(c.Name), c.Type)
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(renderDefault(*c.Default))
	}
	if c.Extra != "" {
		b.WriteString(" ")
		b.WriteString(strings.ToUpper(c.Extra))
	}
	return b.String()
}

func renderDefault(v string) string {
	upper := strings.ToUpper(v)
	switch {
	case upper == "NULL", numericDefault.MatchString(v):
		return v
	case strings.HasPrefix(upper, "CURRENT_TIMESTAMP"):
		return upper
	default:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
}

// Table is a table with its columns in ordinal order.
type Table struct {
	Name      string
	Columns   []Column
	CreateSQL string
}

func (t Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Schema maps table names to tables.
type Schema map[string]Table

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Introspect reads the tables of schema, skipping the migration version table.
func Introspect(ctx context.Context, q Querier, schema string) (Schema, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME, ORDINAL_POSITION`, schema)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to read columns", err)
	}
	defer rows.Close()

	out := make(Schema)
	for rows.Next() {
		var (
			table, nullable string
			col             Column
			def             sql.NullString
		)
		if err := rows.Scan(&table, &col.Name, &col.Type, &nullable, &def, &col.Extra); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to scan column", err)
		}
		if table == versionTable {
			continue
		}
		col.Nullable = nullable == "YES"
		if def.Valid {
			v := def.String
			col.Default = &v
		}
		col.Extra = cleanExtra(col.Extra)

		t := out[table]
		t.Name = table
		t.Columns = append(t.Columns, col)
		out[table] = t
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to read columns", err)
	}

	for name, t := range out {
		var ignored string
		query := fmt.Sprintf("SHOW CREATE TABLE %s.%s", quoteIdent(schema), quoteIdent(name))
		if err := q.QueryRowContext(ctx, query).Scan(&ignored, &t.CreateSQL); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to read table definition", err).
				WithContext("table", name)
		}
		out[name] = t
	}
	return out, nil
}

// cleanExtra drops MySQL 8 bookkeeping flags that are not valid DDL.
func cleanExtra(extra string) string {
	var keep []string
	for _, f := range strings.Fields(extra) {
		if f == "DEFAULT_GENERATED" {
			continue
		}
		keep = append(keep, f)
	}
	return strings.Join(keep, " ")
}

// ColumnChange is a column added, dropped or modified on an existing table.
type ColumnChange struct {
	Table string
	From  *Column
	To    *Column
}

// SchemaDiff is what it takes to turn one schema into another.
type SchemaDiff struct {
	CreateTables  []Table
	DropTables    []Table
	AddColumns    []ColumnChange
	DropColumns   []ColumnChange
	ModifyColumns []ColumnChange
}

func (d SchemaDiff) Empty() bool {
	return len(d.CreateTables) == 0 && len(d.DropTables) == 0 &&
		len(d.AddColumns) == 0 && len(d.DropColumns) == 0 && len(d.ModifyColumns) == 0
}

// Diff compares the schema the revisions produce (from) with the live
// schema (to). Tables and columns are visited in name order.
func Diff(from, to Schema) SchemaDiff {
	var d SchemaDiff

	for _, name := range sortedTables(to) {
		if _, ok := from[name]; !ok {
			d.CreateTables = append(d.CreateTables, to[name])
		}
	}
	for _, name := range sortedTables(from) {
		if _, ok := to[name]; !ok {
			d.DropTables = append(d.DropTables, from[name])
		}
	}

	for _, name := range sortedTables(to) {
		old, ok := from[name]
		if !ok {
			continue
		}
		cur := to[name]
		for i := range cur.Columns {
			col := cur.Columns[i]
			prev, exists := old.column(col.Name)
			switch {
			case !exists:
				d.AddColumns = append(d.AddColumns, ColumnChange{Table: name, To: &col})
			case prev.Definition() != col.Definition():
				p := prev
				d.ModifyColumns = append(d.ModifyColumns, ColumnChange{Table: name, From: &p, To: &col})
			}
		}
		for i := range old.Columns {
			col := old.Columns[i]
			if _, exists := cur.column(col.Name); !exists {
				d.DropColumns = append(d.DropColumns, ColumnChange{Table: name, From: &col})
			}
		}
	}
	return d
}

// UpSQL renders the statements that apply the diff.
func (d SchemaDiff) UpSQL() string {
	var stmts []string
	for _, t := range d.CreateTables {
		stmts = append(stmts, strings.TrimSuffix(t.CreateSQL, ";")+";")
	}
	for _, c := range d.AddColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteIdent(c.Table), c.To.Definition()))
	}
	for _, c := range d.ModifyColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s;", quoteIdent(c.Table), c.To.Definition()))
	}
	for _, c := range d.DropColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", quoteIdent(c.Table), quoteIdent(c.From.Name)))
	}
	for _, t := range d.DropTables {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE %s;", quoteIdent(t.Name)))
	}
	return wrapFKChecks(d, stmts)
}

// DownSQL renders the statements that revert the diff, in reverse order.
func (d SchemaDiff) DownSQL() string {
	var stmts []string
	for _, t := range d.DropTables {
		stmts = append(stmts, strings.TrimSuffix(t.CreateSQL, ";")+";")
	}
	for _, c := range d.DropColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteIdent(c.Table), c.From.Definition()))
	}
	for _, c := range d.ModifyColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s;", quoteIdent(c.Table), c.From.Definition()))
	}
	for _, c := range d.AddColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", quoteIdent(c.Table), quoteIdent(c.To.Name)))
	}
	for i := len(d.CreateTables) - 1; i >= 0; i-- {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE %s;", quoteIdent(d.CreateTables[i].Name)))
	}
	return wrapFKChecks(d, stmts)
}

// wrapFKChecks disables foreign key checks around table creation and removal
// so the statements do not need dependency order.
func wrapFKChecks(d SchemaDiff, stmts []string) string {
	if len(stmts) == 0 {
		return ""
	}
	if len(d.CreateTables) > 0 || len(d.DropTables) > 0 {
		stmts = append([]string{"SET FOREIGN_KEY_CHECKS = 0;"}, stmts...)
		stmts = append(stmts, "SET FOREIGN_KEY_CHECKS = 1;")
	}
	return strings.Join(stmts, "\n")
}

func sortedTables(s Schema) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Autogenerator writes a revision capturing the difference between the live
// database and the schema the existing revisions build.
type Autogenerator struct {
	Config *Config
	Dir    string
	Log    logger.Logger
	// ShadowSuffix names the scratch schema. Defaults to "_autogen".
	ShadowSuffix string
}

// AutogenResult is the outcome of Run. Revision is nil when nothing changed.
type AutogenResult struct {
	Revision *Revision
	Files    []string
	Diff     SchemaDiff
}

// Run builds a shadow schema from every revision, diffs it against the live
// schema and writes the DDL as a new revision. The live database is then
// stamped with the new version since it already has that shape.
func (a *Autogenerator) Run(ctx context.Context, message string) (*AutogenResult, error) {
	log := a.Log
	if log == nil {
		log = logger.Discard()
	}
	suffix := a.ShadowSuffix
	if suffix == "" {
		suffix = "_autogen"
	}

	liveCfg := a.Config.WithDBName(a.Config.DBName)
	liveCfg.MultiStatements = true
	live, err := NewConnection(ctx, liveCfg, log)
	if err != nil {
		return nil, err
	}
	liveMigrator, err := NewMySQLMigrator(live, os.DirFS(a.Dir), log)
	if err != nil {
		live.Close()
		return nil, err
	}
	defer liveMigrator.Close()

	status, err := liveMigrator.Current()
	if err != nil {
		return nil, err
	}
	if status.Dirty {
		return nil, dirtyError(status.Version)
	}
	if !status.AtHead() {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeMigrationFailed,
			"target database is not up to date", "run migrate upgrade head first", nil)
	}

	shadowName := a.Config.DBName + suffix
	if _, err := live.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(shadowName)); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to reset shadow database", err)
	}
	if _, err := live.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(shadowName)); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to create shadow database", err)
	}
	defer func() {
		if _, err := live.ExecContext(context.Background(), "DROP DATABASE IF EXISTS "+quoteIdent(shadowName)); err != nil {
			log.Warn("Failed to drop shadow database", "database", shadowName, "error", err)
		}
	}()

	if err := a.buildShadow(ctx, shadowName, log); err != nil {
		return nil, err
	}

	liveSchema, err := Introspect(ctx, live, a.Config.DBName)
	if err != nil {
		return nil, err
	}
	shadowSchema, err := Introspect(ctx, live, shadowName)
	if err != nil {
		return nil, err
	}

	diff := Diff(shadowSchema, liveSchema)
	result := &AutogenResult{Diff: diff}
	if diff.Empty() {
		log.Info("No schema changes detected")
		return result, nil
	}

	rev, files, err := WriteRevision(a.Dir, message, diff.UpSQL(), diff.DownSQL())
	if err != nil {
		return nil, err
	}
	if err := liveMigrator.Force(int(rev.Version)); err != nil {
		return nil, err
	}

	result.Revision = &rev
	result.Files = files
	log.Info("Generated revision", "revision", rev.ID(), "name", rev.Name,
		"create_tables", len(diff.CreateTables), "drop_tables", len(diff.DropTables),
		"add_columns", len(diff.AddColumns), "drop_columns", len(diff.DropColumns),
		"modify_columns", len(diff.ModifyColumns))
	return result, nil
}

func (a *Autogenerator) buildShadow(ctx context.Context, name string, log logger.Logger) error {
	cfg := a.Config.WithDBName(name)
	cfg.MultiStatements = true
	shadow, err := NewConnection(ctx, cfg, log)
	if err != nil {
		return err
	}
	m, err := NewMySQLMigrator(shadow, os.DirFS(a.Dir), log)
	if err != nil {
		shadow.Close()
		return err
	}
	defer m.Close()

	_, err = m.Upgrade(Head)
	return err
}
