package spreadsheet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

func writeWorkbook(t *testing.T, path string, extra ...[]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", "refunds"))
	rows := [][]any{
		{"refund_id", "order_id", "amount", "reason", "date"},
		{"R1", "O1", 120.5, "damaged", "2025-03-04"},
		{"R2", "O2", 80, "late", "2025-03-18"},
		{},
		{"R3", "O3", 42, "damaged", "2025-02-11"},
	}
	rows = append(rows, extra...)
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("refunds", cellRef, &row))
	}

	_, err := f.NewSheet("targets")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("targets", "A1", &[]any{"region", "", "target"}))
	require.NoError(t, f.SetSheetRow("targets", "A2", &[]any{"north", "x", 1000}))

	require.NoError(t, f.SaveAs(path))
}

func newAdapter(t *testing.T, conn map[string]any) (*Adapter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finance.xlsx")
	writeWorkbook(t, path)
	if conn == nil {
		conn = map[string]any{}
	}
	conn["path"] = path
	a, err := New(adapter.Descriptor{ID: "finance", Scheme: "xlsx", Connection: conn})
	require.NoError(t, err)
	return a, path
}

var march = &adapter.TimeRange{
	From:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	To:    time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	Label: "march",
}

func TestIntrospect(t *testing.T) {
	a, _ := newAdapter(t, nil)

	chunks, err := a.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "finance:refunds", chunks[0].ID)
	assert.Equal(t, "date", chunks[0].Metadata["time_column"])
	assert.Equal(t, "3", chunks[0].Metadata["rows"])
	assert.Contains(t, chunks[1].Content, "region, B, target")
}

func TestTranslateExecute(t *testing.T) {
	a, _ := newAdapter(t, nil)
	ctx := context.Background()

	t.Run("time range", func(t *testing.T) {
		q, err := a.Translate(ctx, &adapter.Intent{Params: adapter.Params{
			Entities:  []string{"refund"},
			TimeRange: march,
		}})
		require.NoError(t, err)
		records, err := a.Execute(ctx, q)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "R1", records[0].Fields["refund_id"])
		assert.Equal(t, 120.5, records[0].Fields["amount"])
		assert.Equal(t, int64(80), records[1].Fields["amount"])
		assert.Equal(t, "refunds", records[1].RecordType)
	})

	t.Run("filters and limit", func(t *testing.T) {
		q, err := a.Translate(ctx, &adapter.Intent{Params: adapter.Params{
			Entities: []string{"refunds"},
			Filters:  map[string]string{"Reason": "DAMAGED", "unknown": "x"},
			Limit:    1,
		}})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"reason": "DAMAGED"}, q.(*Query).Filters)

		records, err := a.Execute(ctx, q)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "R1", records[0].Fields["refund_id"])
	})

	t.Run("no date column", func(t *testing.T) {
		_, err := a.Translate(ctx, &adapter.Intent{Params: adapter.Params{
			Entities:  []string{"targets"},
			TimeRange: march,
		}})
		var te *adapter.TranslationError
		require.ErrorAs(t, err, &te)
		assert.Contains(t, te.Reason, "no date column")
	})

	t.Run("unknown sheet", func(t *testing.T) {
		_, err := a.Translate(ctx, &adapter.Intent{Params: adapter.Params{Entities: []string{"invoices"}}})
		var te *adapter.TranslationError
		require.ErrorAs(t, err, &te)
	})
}

func TestReloadOnChange(t *testing.T) {
	a, path := newAdapter(t, nil)
	ctx := context.Background()

	q, err := a.Translate(ctx, &adapter.Intent{Params: adapter.Params{Entities: []string{"refunds"}}})
	require.NoError(t, err)
	records, err := a.Execute(ctx, q)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	writeWorkbook(t, path, []any{"R4", "O4", 10, "late", "2025-03-20"})
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	records, err = a.Execute(ctx, q)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestConfiguredSheets(t *testing.T) {
	a, _ := newAdapter(t, map[string]any{
		"sheets": []any{map[string]any{"name": "targets", "description": "regional targets"}},
	})
	chunks, err := a.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "regional targets")

	b, _ := newAdapter(t, map[string]any{"sheets": []any{map[string]any{"name": "missing"}}})
	_, err = b.Introspect(context.Background())
	assert.ErrorContains(t, err, "not found")
}

func TestHealthCheck(t *testing.T) {
	a, path := newAdapter(t, nil)
	assert.True(t, a.HealthCheck(context.Background()))
	require.NoError(t, os.Remove(path))
	assert.False(t, a.HealthCheck(context.Background()))

	_, err := a.Translate(context.Background(), &adapter.Intent{})
	assert.False(t, adapter.IsRetryable(err))
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2025-03-10", "03-10-25", "3/10/25", "3/10/2025", "2025-03-10 08:00:00", "45726"} {
		ts, ok := parseTime(s)
		require.True(t, ok, s)
		assert.Equal(t, 2025, ts.Year(), s)
		assert.Equal(t, time.March, ts.Month(), s)
	}
	_, ok := parseTime("soon")
	assert.False(t, ok)
}

func TestValue(t *testing.T) {
	assert.Equal(t, int64(7), value("7"))
	assert.Equal(t, 1234.5, value("1,234.5"))
	assert.Equal(t, "abc", value("abc"))
	assert.Nil(t, value(""))
}

func TestValidate(t *testing.T) {
	_, err := New(adapter.Descriptor{ID: "x", Scheme: "xlsx"})
	assert.ErrorContains(t, err, "path is required")

	s := adapter.NewSchemes()
	require.NoError(t, Register(s))
	assert.ElementsMatch(t, Schemes, s.Names())
}
