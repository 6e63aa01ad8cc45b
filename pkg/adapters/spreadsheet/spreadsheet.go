// Package spreadsheet queries sheets of an xlsx workbook. Each sheet is an
// entity whose first row names the columns.
package spreadsheet

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/entity"
)

// Schemes handled by this package.
var Schemes = []string{"xlsx", "spreadsheet"}

// Config is the connection block of a spreadsheet source.
type Config struct {
	Path string `yaml:"path"`

	// Sheets restricts and annotates the queryable sheets. Empty means
	// every sheet in the workbook.
	Sheets []SheetConfig `yaml:"sheets,omitempty"`
}

// SheetConfig annotates one sheet.
type SheetConfig struct {
	Name        string `yaml:"name"`
	HeaderRow   int    `yaml:"header_row,omitempty" jsonschema:"default=1"`
	TimeColumn  string `yaml:"time_column,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	for i, s := range c.Sheets {
		if s.Name == "" {
			return fmt.Errorf("sheets[%d]: name is required", i)
		}
		if s.HeaderRow < 0 {
			return fmt.Errorf("sheets[%d]: header_row must be positive", i)
		}
	}
	return nil
}

func (c *Config) sheet(name string) SheetConfig {
	for _, s := range c.Sheets {
		if s.Name == name {
			if s.HeaderRow == 0 {
				s.HeaderRow = 1
			}
			return s
		}
	}
	return SheetConfig{Name: name, HeaderRow: 1}
}

// Sheet is a loaded sheet.
type Sheet struct {
	Name       string
	Columns    []string
	TimeColumn string
	Rows       [][]string
}

// Query selects rows of one sheet.
type Query struct {
	Sheet      string
	TimeColumn string
	TimeRange  *adapter.TimeRange
	Filters    map[string]string
	Limit      int
}

func (*Query) QueryKind() string { return "sheet" }

// Adapter is a workbook source. The file is read on first use and again
// whenever its modification time changes.
type Adapter struct {
	desc adapter.Descriptor
	cfg  Config

	mu      sync.Mutex
	sheets  []*Sheet
	modTime time.Time
}

// New creates an adapter for desc.
func New(desc adapter.Descriptor) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}
	return &Adapter{desc: desc, cfg: cfg}, nil
}

// Register adds the spreadsheet schemes to s.
func Register(s *adapter.Schemes) error {
	for _, scheme := range Schemes {
		if err := s.Register(scheme, func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return New(desc)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

func (a *Adapter) load(ctx context.Context) ([]*Sheet, error) {
	info, err := os.Stat(a.cfg.Path)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sheets != nil && info.ModTime().Equal(a.modTime) {
		return a.sheets, nil
	}

	f, err := excelize.OpenFile(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	names := f.GetSheetList()
	if len(a.cfg.Sheets) > 0 {
		names = names[:0]
		for _, s := range a.cfg.Sheets {
			if idx, _ := f.GetSheetIndex(s.Name); idx < 0 {
				return nil, fmt.Errorf("sheet %q not found", s.Name)
			}
			names = append(names, s.Name)
		}
	}

	sheets := make([]*Sheet, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", name, err)
		}
		sheets = append(sheets, parseSheet(a.cfg.sheet(name), rows))
	}

	a.sheets, a.modTime = sheets, info.ModTime()
	return sheets, nil
}

func parseSheet(cfg SheetConfig, rows [][]string) *Sheet {
	s := &Sheet{Name: cfg.Name}
	if len(rows) < cfg.HeaderRow {
		return s
	}
	header := rows[cfg.HeaderRow-1]
	s.Columns = make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = columnLetter(i)
		}
		s.Columns[i] = h
	}
	for _, row := range rows[cfg.HeaderRow:] {
		if blank(row) {
			continue
		}
		s.Rows = append(s.Rows, row)
	}

	s.TimeColumn = cfg.TimeColumn
	if s.TimeColumn == "" {
		s.TimeColumn = detectTimeColumn(s)
	}
	return s
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

var timeColumnNames = []string{"date", "created_at", "timestamp", "time", "updated_at"}

// detectTimeColumn prefers well-known names, then a column whose first
// value parses as a date.
func detectTimeColumn(s *Sheet) string {
	for _, name := range timeColumnNames {
		for _, c := range s.Columns {
			if strings.EqualFold(c, name) {
				return c
			}
		}
	}
	if len(s.Rows) == 0 {
		return ""
	}
	for i, c := range s.Columns {
		if i < len(s.Rows[0]) {
			if _, err := strconv.ParseFloat(s.Rows[0][i], 64); err == nil {
				continue
			}
			if _, ok := parseTime(s.Rows[0][i]); ok {
				return c
			}
		}
	}
	return ""
}

// columnLetter converts a 0-based column index to its spreadsheet name.
func columnLetter(index int) string {
	name, err := excelize.ColumnNumberToName(index + 1)
	if err != nil {
		return fmt.Sprintf("col%d", index+1)
	}
	return name
}

// Translate picks a sheet. Reading the workbook header is the only I/O.
func (a *Adapter) Translate(ctx context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	sheets, err := a.load(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, err)
	}
	names := make([]string, len(sheets))
	for i, s := range sheets {
		names[i] = s.Name
	}
	name := entity.Pick(names, in, a.desc.ID)
	if name == "" {
		return nil, &adapter.TranslationError{
			SourceID: a.desc.ID,
			Reason:   fmt.Sprintf("no sheet matches %v (sheets: %s)", in.Words(), strings.Join(names, ", ")),
		}
	}
	var sheet *Sheet
	for _, s := range sheets {
		if s.Name == name {
			sheet = s
		}
	}

	q := &Query{Sheet: sheet.Name, Limit: in.Params.EffectiveLimit()}
	if tr := in.Params.TimeRange; tr != nil {
		if sheet.TimeColumn == "" {
			return nil, &adapter.TranslationError{
				SourceID: a.desc.ID,
				Reason:   fmt.Sprintf("sheet %s has no date column for %q", sheet.Name, tr.Label),
			}
		}
		q.TimeColumn, q.TimeRange = sheet.TimeColumn, tr
	}
	for k, v := range in.Params.Filters {
		if col := sheet.column(k); col >= 0 {
			if q.Filters == nil {
				q.Filters = make(map[string]string)
			}
			q.Filters[sheet.Columns[col]] = v
		}
	}
	return q, nil
}

func (s *Sheet) column(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Execute returns the matching rows of the sheet.
func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}
	sheets, err := a.load(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, err)
	}
	var sheet *Sheet
	for _, s := range sheets {
		if s.Name == query.Sheet {
			sheet = s
		}
	}
	if sheet == nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("sheet %q not found", query.Sheet))
	}

	timeCol := -1
	if query.TimeRange != nil {
		timeCol = sheet.column(query.TimeColumn)
	}

	var records []adapter.Record
	for _, row := range sheet.Rows {
		if len(records) >= query.Limit {
			break
		}
		if timeCol >= 0 {
			t, ok := parseTime(cell(row, timeCol))
			if !ok || !query.TimeRange.Contains(t) {
				continue
			}
		}
		if !matches(sheet, row, query.Filters) {
			continue
		}

		fields := make(map[string]any, len(sheet.Columns))
		for i, col := range sheet.Columns {
			fields[col] = value(cell(row, i))
		}
		records = append(records, adapter.NewRecord(a.desc.ID, sheet.Name, fields))
	}
	return records, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func matches(s *Sheet, row []string, filters map[string]string) bool {
	for col, want := range filters {
		if !strings.EqualFold(cell(row, s.column(col)), want) {
			return false
		}
	}
	return true
}

// value converts numeric cells so aggregation sees numbers.
func value(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
		return f
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339,
	time.DateTime,
	time.DateOnly,
	"01-02-06",
	"1/2/06",
	"1/2/2006",
	"1/2/06 15:04",
	"02 Jan 2006",
}

// parseTime accepts common formatted dates and Excel serial dates.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Introspect describes every sheet.
func (a *Adapter) Introspect(ctx context.Context) ([]adapter.SchemaChunk, error) {
	sheets, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	chunks := make([]adapter.SchemaChunk, 0, len(sheets))
	for _, s := range sheets {
		var b strings.Builder
		fmt.Fprintf(&b, "sheet %s", s.Name)
		if desc := a.cfg.sheet(s.Name).Description; desc != "" {
			fmt.Fprintf(&b, ": %s", desc)
		}
		fmt.Fprintf(&b, ". %d rows. columns: %s", len(s.Rows), strings.Join(s.Columns, ", "))

		meta := map[string]string{"rows": strconv.Itoa(len(s.Rows))}
		if s.TimeColumn != "" {
			meta["time_column"] = s.TimeColumn
		}
		chunks = append(chunks, adapter.SchemaChunk{
			ID:       a.desc.ID + ":" + s.Name,
			SourceID: a.desc.ID,
			Entity:   s.Name,
			Content:  b.String(),
			Metadata: meta,
		})
	}
	return chunks, nil
}

// HealthCheck reports whether the workbook is readable.
func (a *Adapter) HealthCheck(context.Context) bool {
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

var _ adapter.Adapter = (*Adapter)(nil)
