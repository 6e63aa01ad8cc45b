// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analyze implements the default statistical analysis run by
// analyze nodes: per-source numeric summaries and z-score outliers.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Record types produced by the analyzer.
const (
	RecordTypeSummary = "analysis.summary"
	RecordTypeOutlier = "analysis.outlier"
)

// DefaultZThreshold flags values more than two standard deviations away.
const DefaultZThreshold = 2.0

// Analyzer post-processes the records of a request.
type Analyzer interface {
	Analyze(ctx context.Context, mode adapter.Analysis, records []adapter.Record) ([]adapter.Record, error)
}

// Stats is the default Analyzer.
type Stats struct {
	ZThreshold float64
	// MinSamples is the smallest population outliers are computed for.
	MinSamples int
}

// NewStats creates the default analyzer.
func NewStats() *Stats {
	return &Stats{ZThreshold: DefaultZThreshold, MinSamples: 3}
}

// Summary describes one numeric field of one source.
type Summary struct {
	Field  string
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Sum    float64
}

// Analyze returns summary records for every numeric field per source, and
// for the outliers mode also one record per outlying value. Summaries come
// first, ordered by source and field.
func (s *Stats) Analyze(ctx context.Context, mode adapter.Analysis, records []adapter.Record) ([]adapter.Record, error) {
	switch mode {
	case adapter.AnalysisSummary, adapter.AnalysisOutliers:
	default:
		return nil, fmt.Errorf("unsupported analysis %q", mode)
	}

	bySource := make(map[string][]adapter.Record)
	var sources []string
	for _, r := range records {
		if _, ok := bySource[r.SourceID]; !ok {
			sources = append(sources, r.SourceID)
		}
		bySource[r.SourceID] = append(bySource[r.SourceID], r)
	}
	sort.Strings(sources)

	var summaries, outliers []adapter.Record
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := bySource[src]
		for _, field := range numericFields(rows) {
			values, idx := column(rows, field)
			sum := Summarize(field, values)
			summaries = append(summaries, adapter.NewRecord(src, RecordTypeSummary, map[string]any{
				"field":  sum.Field,
				"count":  sum.Count,
				"mean":   round(sum.Mean),
				"stddev": round(sum.StdDev),
				"min":    sum.Min,
				"max":    sum.Max,
				"sum":    round(sum.Sum),
			}))

			if mode != adapter.AnalysisOutliers || sum.Count < s.minSamples() || sum.StdDev == 0 {
				continue
			}
			for i, v := range values {
				z := (v - sum.Mean) / sum.StdDev
				if math.Abs(z) < s.threshold() {
					continue
				}
				fields := make(map[string]any, len(rows[idx[i]].Fields)+3)
				for k, val := range rows[idx[i]].Fields {
					fields[k] = val
				}
				fields["outlier_field"] = field
				fields["outlier_value"] = v
				fields["z_score"] = round(z)
				outliers = append(outliers, adapter.NewRecord(src, RecordTypeOutlier, fields))
			}
		}
	}
	return append(summaries, outliers...), nil
}

func (s *Stats) threshold() float64 {
	if s.ZThreshold <= 0 {
		return DefaultZThreshold
	}
	return s.ZThreshold
}

func (s *Stats) minSamples() int {
	if s.MinSamples <= 0 {
		return 3
	}
	return s.MinSamples
}

// Summarize computes the population statistics of values.
func Summarize(field string, values []float64) Summary {
	sum := Summary{Field: field, Count: len(values)}
	if len(values) == 0 {
		return sum
	}
	sum.Min, sum.Max = values[0], values[0]
	for _, v := range values {
		sum.Sum += v
		sum.Min = math.Min(sum.Min, v)
		sum.Max = math.Max(sum.Max, v)
	}
	sum.Mean = sum.Sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - sum.Mean
		sq += d * d
	}
	sum.StdDev = math.Sqrt(sq / float64(len(values)))
	return sum
}

// numericFields returns the fields that are numeric in every row that has
// them, sorted.
func numericFields(rows []adapter.Record) []string {
	numeric := make(map[string]bool)
	for _, r := range rows {
		for k, v := range r.Fields {
			_, ok := toFloat(v)
			if prev, seen := numeric[k]; seen {
				numeric[k] = prev && ok
			} else {
				numeric[k] = ok
			}
		}
	}
	var out []string
	for k, ok := range numeric {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func column(rows []adapter.Record, field string) ([]float64, []int) {
	values := make([]float64, 0, len(rows))
	idx := make([]int, 0, len(rows))
	for i, r := range rows {
		if f, ok := toFloat(r.Fields[field]); ok {
			values = append(values, f)
			idx = append(idx, i)
		}
	}
	return values, idx
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil && n != ""
	default:
		return 0, false
	}
}

func round(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
