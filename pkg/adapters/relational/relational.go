// Package relational queries PostgreSQL, MySQL and SQLite sources.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/entity"
)

// Schemes handled by this package.
var Schemes = []string{"postgres", "mysql", "sqlite"}

// SchemaTTL is how long introspected tables are reused by Translate.
const SchemaTTL = 5 * time.Minute

// Query is a parameterized SELECT.
type Query struct {
	Table string
	SQL   string
	Args  []any
	Limit int
}

func (*Query) QueryKind() string { return "sql" }

// Adapter is a relational source. The database handle is opened on first
// use, never by the constructor.
type Adapter struct {
	desc adapter.Descriptor
	cfg  Config
	pool *Pool

	mu       sync.Mutex
	db       *sql.DB
	tables   []Table
	loadedAt time.Time
}

// New creates an adapter for desc.
func New(desc adapter.Descriptor, pool *Pool) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults(desc.Scheme)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}
	if pool == nil {
		pool = NewPool()
	}
	return &Adapter{desc: desc, cfg: cfg, pool: pool}, nil
}

// Register adds the relational schemes to s. Sources share handles through
// pool.
func Register(s *adapter.Schemes, pool *Pool) error {
	factory := func(desc adapter.Descriptor) (adapter.Adapter, error) {
		return New(desc, pool)
	}
	for _, scheme := range Schemes {
		if err := s.Register(scheme, factory); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

func (a *Adapter) conn(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return a.db, nil
	}
	db, err := a.pool.Get(ctx, &a.cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

// schema returns the cached tables, introspecting when stale.
func (a *Adapter) schema(ctx context.Context) ([]Table, error) {
	a.mu.Lock()
	if a.tables != nil && time.Since(a.loadedAt) < SchemaTTL {
		tables := a.tables
		a.mu.Unlock()
		return tables, nil
	}
	a.mu.Unlock()

	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	tables, err := introspect(ctx, db, &a.cfg)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.tables, a.loadedAt = tables, time.Now()
	a.mu.Unlock()
	return tables, nil
}

// Translate picks a table and builds a SELECT for it. Only schema
// introspection touches the database.
func (a *Adapter) Translate(ctx context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	tables, err := a.schema(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), err)
	}

	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	name := entity.Pick(names, in, a.desc.ID)
	if name == "" {
		return nil, &adapter.TranslationError{
			SourceID: a.desc.ID,
			Reason:   fmt.Sprintf("no table matches %v (tables: %s)", in.Words(), strings.Join(names, ", ")),
		}
	}
	var table Table
	for _, t := range tables {
		if t.Name == name {
			table = t
		}
	}
	return a.build(table, in)
}

func (a *Adapter) build(t Table, in *adapter.Intent) (*Query, error) {
	dialect := a.cfg.Dialect()
	b := &builder{dialect: dialect}

	cols := "*"
	if len(t.Columns) > 0 {
		quoted := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			quoted[i] = quote(dialect, c.Name)
		}
		cols = strings.Join(quoted, ", ")
	}

	var where []string
	if tr := in.Params.TimeRange; tr != nil {
		if t.TimeColumn == "" {
			return nil, &adapter.TranslationError{
				SourceID: a.desc.ID,
				Reason:   fmt.Sprintf("table %s has no time column for %q", t.Name, tr.Label),
			}
		}
		col := quote(dialect, t.TimeColumn)
		where = append(where,
			fmt.Sprintf("%s >= %s", col, b.arg(a.timeArg(tr.From))),
			fmt.Sprintf("%s < %s", col, b.arg(a.timeArg(tr.To))))
	}

	keys := make([]string, 0, len(in.Params.Filters))
	for k := range in.Params.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, ok := t.column(k)
		if !ok {
			slog.Debug("Ignoring filter on unknown column", "source", a.desc.ID, "table", t.Name, "column", k)
			continue
		}
		where = append(where, fmt.Sprintf("%s = %s", quote(dialect, c.Name), b.arg(in.Params.Filters[k])))
	}

	limit := in.Params.EffectiveLimit()
	sqlText := fmt.Sprintf("SELECT %s FROM %s", cols, quote(dialect, t.Name))
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	if t.TimeColumn != "" {
		sqlText += " ORDER BY " + quote(dialect, t.TimeColumn) + " DESC"
	}
	sqlText += fmt.Sprintf(" LIMIT %d", limit)

	return &Query{Table: t.Name, SQL: sqlText, Args: b.args, Limit: limit}, nil
}

// timeArg formats a bound time. SQLite compares text, so times are passed
// in its canonical layout.
func (a *Adapter) timeArg(t time.Time) any {
	if a.cfg.Dialect() == "sqlite" {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return t
}

type builder struct {
	dialect string
	args    []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	if b.dialect == "postgres" {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

// Execute runs the query and returns one record per row.
func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}
	db, err := a.conn(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), err)
	}

	rows, err := db.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("query %s: %w", query.Table, err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("failed to get columns: %w", err))
	}

	var records []adapter.Record
	for rows.Next() {
		if len(records) >= query.Limit {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("scan failed: %w", err))
		}

		fields := make(map[string]any, len(columns))
		for i, col := range columns {
			fields[col] = normalize(values[i])
		}
		records = append(records, adapter.NewRecord(a.desc.ID, query.Table, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), err)
	}
	return records, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}

// Introspect describes every queryable table.
func (a *Adapter) Introspect(ctx context.Context) ([]adapter.SchemaChunk, error) {
	a.mu.Lock()
	a.tables = nil
	a.mu.Unlock()

	tables, err := a.schema(ctx)
	if err != nil {
		return nil, err
	}

	chunks := make([]adapter.SchemaChunk, 0, len(tables))
	for _, t := range tables {
		var b strings.Builder
		fmt.Fprintf(&b, "table %s", t.Name)
		if tc, ok := a.cfg.table(t.Name); ok && tc.Description != "" {
			fmt.Fprintf(&b, ": %s", tc.Description)
		}
		b.WriteString(". columns:")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, " %s (%s)", c.Name, c.Type)
		}

		meta := map[string]string{"dialect": a.cfg.Dialect()}
		if t.TimeColumn != "" {
			meta["time_column"] = t.TimeColumn
		}
		chunks = append(chunks, adapter.SchemaChunk{
			ID:       a.desc.ID + ":" + t.Name,
			SourceID: a.desc.ID,
			Entity:   t.Name,
			Content:  b.String(),
			Metadata: meta,
		})
	}
	return chunks, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	db, err := a.conn(ctx)
	if err != nil {
		return false
	}
	return db.PingContext(ctx) == nil
}

// Close releases the database handle.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	a.db = nil
	return a.pool.Release(&a.cfg)
}

// retryable reports transient failures: dropped connections, timeouts and
// lock contention.
func retryable(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "too many connections", "database is locked", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ adapter.Adapter = (*Adapter)(nil)
