package relational

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
)

// Column is one column of an introspected table.
type Column struct {
	Name string
	Type string
}

// Table is an introspected table.
type Table struct {
	Name       string
	Columns    []Column
	TimeColumn string
}

func (t Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// timeColumnNames are tried in order when no time column is configured.
var timeColumnNames = []string{
	"created_at", "created", "order_date", "date", "timestamp", "updated_at", "occurred_at", "time",
}

func detectTimeColumn(cols []Column) string {
	for _, name := range timeColumnNames {
		for _, c := range cols {
			if strings.EqualFold(c.Name, name) {
				return c.Name
			}
		}
	}
	for _, c := range cols {
		t := strings.ToLower(c.Type)
		if strings.Contains(t, "timestamp") || strings.Contains(t, "date") {
			return c.Name
		}
	}
	return ""
}

func introspect(ctx context.Context, db *sql.DB, cfg *Config) ([]Table, error) {
	var (
		tables []Table
		err    error
	)
	switch cfg.Dialect() {
	case "postgres":
		tables, err = introspectInformationSchema(ctx, db, `
			SELECT table_schema, table_name, column_name, data_type
			FROM information_schema.columns
			WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
			ORDER BY table_schema, table_name, ordinal_position`, "public")
	case "mysql":
		tables, err = introspectInformationSchema(ctx, db, `
			SELECT table_schema, table_name, column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = DATABASE()
			ORDER BY table_name, ordinal_position`, "")
	default:
		tables, err = introspectSQLite(ctx, db)
	}
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", cfg.Dialect(), err)
	}
	return annotate(tables, cfg), nil
}

// introspectInformationSchema reads information_schema.columns. Tables in
// defaultSchema, or every table when defaultSchema is empty, keep their
// bare name; others are qualified.
func introspectInformationSchema(ctx context.Context, db *sql.DB, query, defaultSchema string) ([]Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var schema, table, column, dataType string
		if err := rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, err
		}
		name := table
		if defaultSchema != "" && schema != defaultSchema {
			name = schema + "." + table
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != name {
			tables = append(tables, Table{Name: name})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, Column{Name: column, Type: dataType})
	}
	return tables, rows.Err()
}

func introspectSQLite(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := sqliteColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Columns: cols})
	}
	return tables, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quote("sqlite", table)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, Type: strings.ToLower(typ)})
	}
	return cols, rows.Err()
}

// annotate applies the configured table list, time columns and column
// restrictions.
func annotate(tables []Table, cfg *Config) []Table {
	out := make([]Table, 0, len(tables))
	for _, t := range tables {
		tc, configured := cfg.table(t.Name)
		if len(cfg.Tables) > 0 && !configured {
			continue
		}
		if len(tc.Columns) > 0 {
			t.Columns = slices.DeleteFunc(t.Columns, func(c Column) bool {
				return !slices.ContainsFunc(tc.Columns, func(n string) bool { return strings.EqualFold(n, c.Name) })
			})
		}
		t.TimeColumn = tc.TimeColumn
		if t.TimeColumn == "" {
			t.TimeColumn = detectTimeColumn(t.Columns)
		}
		out = append(out, t)
	}
	return out
}

func quote(dialect, ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if dialect == "mysql" {
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}
