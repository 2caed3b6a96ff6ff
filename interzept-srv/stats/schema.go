package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ColumnType is a portable column type, rendered per driver.
type ColumnType string

const (
	ColumnTypeID        ColumnType = "ID"
	ColumnTypeText      ColumnType = "TEXT"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeBigint    ColumnType = "BIGINT"
	ColumnTypeBoolean   ColumnType = "BOOLEAN"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
)

type ColumnDefinition struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	Default    string
	References string // "table(column)", cascades on delete
}

type IndexDefinition struct {
	Name    string
	Columns []string
}

type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// Schema is the table layout shared by the sqlite and postgres collectors.
var Schema = []TableDefinition{
	{
		Name: "channels",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeID},
			{Name: "channel_uuid", Type: ColumnTypeText, NotNull: true},
			{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
			{Name: "local_address", Type: ColumnTypeText, NotNull: true},
			{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
			{Name: "ended_at", Type: ColumnTypeTimestamp},
			{Name: "bytes_sent", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
			{Name: "bytes_received", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
			{Name: "duration_ms", Type: ColumnTypeBigint},
			{Name: "close_reason", Type: ColumnTypeText},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_channels_started_at", Columns: []string{"started_at"}},
			{Name: "idx_channels_uuid", Columns: []string{"channel_uuid"}},
		},
	},
	{
		Name: "exchanges",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeID},
			{Name: "channel_id", Type: ColumnTypeBigint, References: "channels(id)"},
			{Name: "method", Type: ColumnTypeText, NotNull: true},
			{Name: "url", Type: ColumnTypeText, NotNull: true},
			{Name: "host", Type: ColumnTypeText, NotNull: true},
			{Name: "status_code", Type: ColumnTypeInteger, NotNull: true},
			{Name: "request_bytes", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
			{Name: "response_bytes", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
			{Name: "outcome", Type: ColumnTypeText, NotNull: true},
			{Name: "is_recursive", Type: ColumnTypeBoolean, NotNull: true, Default: "FALSE"},
			{Name: "duration_ms", Type: ColumnTypeBigint, NotNull: true},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_exchanges_channel_id", Columns: []string{"channel_id"}},
			{Name: "idx_exchanges_host", Columns: []string{"host"}},
		},
	},
	{
		Name: "errors",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeID},
			{Name: "channel_id", Type: ColumnTypeBigint, References: "channels(id)"},
			{Name: "error_type", Type: ColumnTypeText, NotNull: true},
			{Name: "error_message", Type: ColumnTypeText, NotNull: true},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_errors_timestamp", Columns: []string{"timestamp"}},
		},
	},
}

func columnSQL(driver string, col ColumnDefinition) string {
	if col.Type == ColumnTypeID {
		if driver == "postgres" {
			return col.Name + " BIGSERIAL PRIMARY KEY"
		}
		return col.Name + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	typ := string(col.Type)
	if driver != "postgres" {
		switch col.Type {
		case ColumnTypeBigint:
			typ = "INTEGER"
		case ColumnTypeTimestamp:
			typ = "DATETIME"
		}
	}

	var b strings.Builder
	b.WriteString(col.Name)
	b.WriteString(" ")
	b.WriteString(typ)
	if col.NotNull {
		b.WriteString(" NOT NULL")
	}
	if col.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(col.Default)
	}
	if col.References != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(col.References)
		b.WriteString(" ON DELETE CASCADE")
	}
	return b.String()
}

// CreateStatements renders the DDL of Schema for driver ("sqlite3" or
// "postgres"). All statements are idempotent.
func CreateStatements(driver string) []string {
	var stmts []string
	for _, table := range Schema {
		cols := make([]string, 0, len(table.Columns))
		for _, col := range table.Columns {
			cols = append(cols, columnSQL(driver, col))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(cols, ",\n\t")))
		for _, idx := range table.Indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.Name, table.Name, strings.Join(idx.Columns, ", ")))
		}
	}
	return stmts
}

func initSchema(ctx context.Context, db *sql.DB, driver string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range CreateStatements(driver) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return tx.Commit()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
