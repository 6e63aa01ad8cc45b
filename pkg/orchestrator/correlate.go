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

package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// RecordTypeCorrelation marks the record the aggregate step appends when a
// question compares sources.
const RecordTypeCorrelation = "correlation.summary"

// correlate looks for a key field present in every source's records and
// counts the values the sources have in common. Key fields are ids and
// references such as order_id or awb.
func correlate(outputs [][]adapter.Record) []adapter.Record {
	var (
		sources []string
		fields  []map[string]map[string]bool
		counts  = make(map[string]any)
	)
	for _, out := range outputs {
		if len(out) == 0 {
			continue
		}
		values := make(map[string]map[string]bool)
		for _, rec := range out {
			for k, v := range rec.Fields {
				if !isKeyField(k) || v == nil {
					continue
				}
				if values[k] == nil {
					values[k] = make(map[string]bool)
				}
				values[k][strings.TrimSpace(fmt.Sprint(v))] = true
			}
		}
		sources = append(sources, out[0].SourceID)
		fields = append(fields, values)
		counts[out[0].SourceID] = len(out)
	}
	if len(sources) < 2 {
		return nil
	}

	var shared []string
	for k := range fields[0] {
		if all(fields[1:], func(m map[string]map[string]bool) bool { return m[k] != nil }) {
			shared = append(shared, k)
		}
	}
	slices.Sort(shared)

	key, matched := "", 0
	for _, k := range shared {
		n := 0
		for v := range fields[0][k] {
			if all(fields[1:], func(m map[string]map[string]bool) bool { return m[k][v] }) {
				n++
			}
		}
		if n > matched {
			key, matched = k, n
		}
	}

	summary := map[string]any{
		"sources":       sources,
		"shared_fields": shared,
		"record_counts": counts,
		"matched":       matched,
	}
	if key != "" {
		summary["key"] = key
	}
	return []adapter.Record{adapter.NewRecord("", RecordTypeCorrelation, summary)}
}

func isKeyField(name string) bool {
	n := strings.ToLower(name)
	switch n {
	case "id", "awb", "txnid", "mihpayid", "reference", "email", "phone":
		return true
	}
	return strings.HasSuffix(n, "_id") || strings.HasSuffix(n, "_ref") || strings.HasSuffix(n, "_number")
}

func all[T any](items []T, pred func(T) bool) bool {
	for _, it := range items {
		if !pred(it) {
			return false
		}
	}
	return true
}
