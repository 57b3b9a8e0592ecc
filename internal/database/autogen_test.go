package database

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestColumnDefinition(t *testing.T) {
	tests := []struct {
		name string
		col  Column
		want string
	}{
		{"nullable varchar", Column{Name: "label", Type: "varchar(50)", Nullable: true}, "`label` varchar(50) NULL"},
		{"numeric default", Column{Name: "is_active", Type: "tinyint(1)", Nullable: true, Default: strPtr("1")}, "`is_active` tinyint(1) NULL DEFAULT 1"},
		{"string default quoted", Column{Name: "grid_type", Type: "varchar(50)", Default: strPtr("it's")}, "`grid_type` varchar(50) NOT NULL DEFAULT 'it''s'"},
		{"timestamp default", Column{Name: "ts", Type: "datetime", Default: strPtr("CURRENT_TIMESTAMP")}, "`ts` datetime NOT NULL DEFAULT CURRENT_TIMESTAMP"},
		{"auto increment", Column{Name: "id", Type: "int", Extra: "auto_increment"}, "`id` int NOT NULL AUTO_INCREMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.col.Definition())
		})
	}
}

func TestCleanExtra(t *testing.T) {
	assert.Equal(t, "", cleanExtra("DEFAULT_GENERATED"))
	assert.Equal(t, "on update CURRENT_TIMESTAMP", cleanExtra("DEFAULT_GENERATED on update CURRENT_TIMESTAMP"))
}

func shadowSchema() Schema {
	return Schema{
		"user": {Name: "user", Columns: []Column{
			{Name: "id", Type: "int", Extra: "auto_increment"},
			{Name: "email", Type: "varchar(100)"},
			{Name: "legacy", Type: "int", Nullable: true},
		}},
		"old_table": {Name: "old_table", CreateSQL: "CREATE TABLE `old_table` (`id` int NOT NULL)", Columns: []Column{
			{Name: "id", Type: "int"},
		}},
	}
}

func liveSchema() Schema {
	return Schema{
		"user": {Name: "user", Columns: []Column{
			{Name: "id", Type: "int", Extra: "auto_increment"},
			{Name: "email", Type: "varchar(255)"},
			{Name: "nickname", Type: "varchar(50)", Nullable: true},
		}},
		"audit": {Name: "audit", CreateSQL: "CREATE TABLE `audit` (`id` int NOT NULL)", Columns: []Column{
			{Name: "id", Type: "int"},
		}},
	}
}

func TestDiff(t *testing.T) {
	d := Diff(shadowSchema(), liveSchema())

	want := SchemaDiff{
		CreateTables: []Table{liveSchema()["audit"]},
		DropTables:   []Table{shadowSchema()["old_table"]},
		AddColumns: []ColumnChange{
			{Table: "user", To: &Column{Name: "nickname", Type: "varchar(50)", Nullable: true}},
		},
		DropColumns: []ColumnChange{
			{Table: "user", From: &Column{Name: "legacy", Type: "int", Nullable: true}},
		},
		ModifyColumns: []ColumnChange{
			{Table: "user", From: &Column{Name: "email", Type: "varchar(100)"}, To: &Column{Name: "email", Type: "varchar(255)"}},
		},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Diff() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffRendersUpAndDown(t *testing.T) {
	d := Diff(shadowSchema(), liveSchema())

	wantUp := "SET FOREIGN_KEY_CHECKS = 0;\n" +
		"CREATE TABLE `audit` (`id` int NOT NULL);\n" +
		"ALTER TABLE `user` ADD COLUMN `nickname` varchar(50) NULL;\n" +
		"ALTER TABLE `user` MODIFY COLUMN `email` varchar(255) NOT NULL;\n" +
		"ALTER TABLE `user` DROP COLUMN `legacy`;\n" +
		"DROP TABLE `old_table`;\n" +
		"SET FOREIGN_KEY_CHECKS = 1;"
	assert.Equal(t, wantUp, d.UpSQL())

	wantDown := "SET FOREIGN_KEY_CHECKS = 0;\n" +
		"CREATE TABLE `old_table` (`id` int NOT NULL);\n" +
		"ALTER TABLE `user` ADD COLUMN `legacy` int NULL;\n" +
		"ALTER TABLE `user` MODIFY COLUMN `email` varchar(100) NOT NULL;\n" +
		"ALTER TABLE `user` DROP COLUMN `nickname`;\n" +
		"DROP TABLE `audit`;\n" +
		"SET FOREIGN_KEY_CHECKS = 1;"
	assert.Equal(t, wantDown, d.DownSQL())
}

func TestDiffOfIdenticalSchemasIsEmpty(t *testing.T) {
	d := Diff(liveSchema(), liveSchema())
	assert.True(t, d.Empty())
	assert.Equal(t, "", d.UpSQL())
}

func TestColumnOnlyDiffSkipsForeignKeyToggle(t *testing.T) {
	from := Schema{"t": {Name: "t", Columns: []Column{{Name: "a", Type: "int"}}}}
	to := Schema{"t": {Name: "t", Columns: []Column{{Name: "a", Type: "int"}, {Name: "b", Type: "int", Nullable: true}}}}

	assert.Equal(t, "ALTER TABLE `t` ADD COLUMN `b` int NULL;", Diff(from, to).UpSQL())
}
