package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

func TestPick(t *testing.T) {
	tables := []string{"public.orders", "customers", "order_items"}

	tests := []struct {
		name   string
		intent *adapter.Intent
		want   string
	}{
		{
			name:   "entity word",
			intent: &adapter.Intent{Params: adapter.Params{Entities: []string{"customer"}}},
			want:   "customers",
		},
		{
			name:   "schema prefix ignored",
			intent: &adapter.Intent{Params: adapter.Params{Terms: []string{"orders"}}},
			want:   "public.orders",
		},
		{
			name: "hint wins",
			intent: &adapter.Intent{
				Params: adapter.Params{Entities: []string{"customers"}},
				Hints:  []adapter.SchemaChunk{{SourceID: "pg", Entity: "order_items"}},
			},
			want: "order_items",
		},
		{
			name: "hint of another source ignored",
			intent: &adapter.Intent{
				Params: adapter.Params{Entities: []string{"customers"}},
				Hints:  []adapter.SchemaChunk{{SourceID: "other", Entity: "order_items"}},
			},
			want: "customers",
		},
		{
			name:   "no match",
			intent: &adapter.Intent{Params: adapter.Params{Terms: []string{"refunds"}}},
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Pick(tables, tt.intent, "pg"))
		})
	}

	assert.Equal(t, "sheet1", Pick([]string{"sheet1"}, &adapter.Intent{}, "x"))
	assert.Equal(t, "", Pick(nil, &adapter.Intent{}, "x"))
}

func TestSingular(t *testing.T) {
	for word, want := range map[string]string{
		"orders":    "order",
		"companies": "company",
		"boxes":     "box",
		"address":   "address",
		"batches":   "batch",
		"bus":       "bus",
	} {
		assert.Equal(t, want, Singular(word), word)
	}
}
