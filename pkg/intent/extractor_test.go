package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Wednesday.
var refNow = time.Date(2025, 3, 12, 15, 30, 0, 0, time.UTC)

func testSources() []adapter.Descriptor {
	return []adapter.Descriptor{
		{ID: "postgres", Aliases: []string{"database", "warehouse db"}, Entities: []string{"orders", "customers"}},
		{ID: "shiprocket", Entities: []string{"shipments"}},
		{ID: "payu", Aliases: []string{"pay-u"}, Entities: []string{"payments", "transactions"}},
	}
}

func extract(text string) *adapter.Intent {
	return NewExtractor(WithClock(func() time.Time { return refNow })).Extract(text, testSources())
}

func TestExtract_TimeRanges(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		text     string
		from, to time.Time
	}{
		{"orders today", day(12), day(13)},
		{"orders yesterday", day(11), day(12)},
		{"orders this week", day(10), day(17)},
		{"show orders from last week", day(3), day(10)},
		{"orders last month", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), day(1)},
		{"orders this year", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"orders in the last 7 days", refNow.AddDate(0, 0, -7), refNow},
		{"payments over the past 24 hours", refNow.Add(-24 * time.Hour), refNow},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tr := extract(tt.text).Params.TimeRange
			require.NotNil(t, tr)
			assert.Equal(t, tt.from, tr.From)
			assert.Equal(t, tt.to, tr.To)
		})
	}

	assert.Nil(t, extract("show orders").Params.TimeRange)
}

func TestExtract_Limit(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"top 10 customers", 10},
		{"first 3 shipments", 3},
		{"show 25 records from payu", 25},
		{"show all orders", adapter.MaxResultCap},
		{"orders in the last 7 days", 0},
		{"show orders", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, extract(tt.text).Params.Limit)
		})
	}
}

func TestExtract_SingleSourceByEntity(t *testing.T) {
	in := extract("show orders from last week")

	assert.Equal(t, []string{"postgres"}, in.TargetSources)
	assert.Equal(t, []string{"orders"}, in.Params.Entities)
	assert.Empty(t, in.Params.Mentions)
	assert.False(t, in.Params.Correlate)
	assert.True(t, in.Params.Retrieval)
	assert.True(t, in.Params.RequiresData())
}

func TestExtract_MultiSourceMentions(t *testing.T) {
	in := extract("compare shipments in Shiprocket with payments in PayU")

	assert.Equal(t, []string{"payu", "shiprocket"}, in.TargetSources)
	assert.Equal(t, []string{"payu", "shiprocket"}, in.Params.Mentions)
	assert.True(t, in.Params.Correlate)
	assert.Empty(t, in.Params.Unresolved)
}

func TestExtract_MentionsWinOverEntities(t *testing.T) {
	in := extract("payments in payu last month")
	assert.Equal(t, []string{"payu"}, in.TargetSources)

	in = extract("orders from the warehouse db")
	assert.Equal(t, []string{"postgres"}, in.TargetSources)
}

func TestExtract_TwoMentionsImplyCorrelation(t *testing.T) {
	in := extract("show shiprocket and payu data")
	assert.True(t, in.Params.Correlate)
}

func TestExtract_Unresolved(t *testing.T) {
	in := extract("list invoices from Stripe")

	assert.Empty(t, in.TargetSources)
	assert.Equal(t, []string{"stripe"}, in.Params.Unresolved)
	assert.True(t, in.Params.RequiresData())
	assert.Contains(t, in.Params.Terms, "invoices")
}

func TestExtract_PureTextRequest(t *testing.T) {
	in := extract("Rewrite this paragraph in French")

	assert.Empty(t, in.TargetSources)
	assert.Empty(t, in.Params.Unresolved)
	assert.False(t, in.Params.RequiresData())
}

func TestExtract_Analysis(t *testing.T) {
	assert.Equal(t, adapter.AnalysisOutliers, extract("find anomalies in payments").Params.Analysis)
	assert.Equal(t, adapter.AnalysisSummary, extract("average order value this month").Params.Analysis)
	assert.Equal(t, adapter.AnalysisNone, extract("show orders").Params.Analysis)
}

func TestExtract_Filters(t *testing.T) {
	in := extract(`shipments where status is delivered and courier = "bluedart"`)
	assert.Equal(t, map[string]string{"status": "delivered", "courier": "bluedart"}, in.Params.Filters)
	assert.Nil(t, extract("show orders").Params.Filters)
}

func TestExtract_Deterministic(t *testing.T) {
	a := extract("compare top 5 payments in PayU with shipments in Shiprocket last week")
	b := extract("compare top 5 payments in PayU with shipments in Shiprocket last week")
	assert.Equal(t, a, b)
}
