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

package observability

import (
	"context"
	"slices"
	"strings"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter keeps the most recent request spans in memory so a
// request's plan execution can be inspected after the fact. Only spans
// carrying a request id are retained.
type DebugExporter struct {
	mu        sync.RWMutex
	order     []string
	spans     map[string]*DebugSpan
	byRequest map[string][]string
	maxSize   int
}

// DebugSpan is a flattened finished span.
type DebugSpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes"`
	Events       []SpanEvent       `json:"events,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// SpanEvent is an event recorded on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	TimeUnix   int64             `json:"time_unix_nano"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewDebugExporter retains up to maxSize spans.
func NewDebugExporter(maxSize int) *DebugExporter {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DebugExporter{
		spans:     make(map[string]*DebugSpan),
		byRequest: make(map[string][]string),
		maxSize:   maxSize,
	}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *DebugExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		if !shouldCapture(span.Name()) {
			continue
		}
		ds := convertSpan(span)
		requestID := ds.Attributes[AttrRequestID]
		if requestID == "" {
			continue
		}
		if _, dup := e.spans[ds.SpanID]; dup {
			continue
		}
		e.spans[ds.SpanID] = ds
		e.order = append(e.order, ds.SpanID)
		e.byRequest[requestID] = append(e.byRequest[requestID], ds.SpanID)
		e.evictOldest()
	}
	return nil
}

func shouldCapture(name string) bool {
	return name == SpanRequest || strings.HasPrefix(name, SpanNodePrefix)
}

func convertSpan(span sdktrace.ReadOnlySpan) *DebugSpan {
	start := span.StartTime().UnixNano()
	end := span.EndTime().UnixNano()

	ds := &DebugSpan{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  start,
		EndTime:    end,
		DurationMs: float64(end-start) / 1e6,
		Attributes: make(map[string]string, len(span.Attributes())),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}
	if span.Parent().HasSpanID() {
		ds.ParentSpanID = span.Parent().SpanID().String()
	}
	for _, attr := range span.Attributes() {
		ds.Attributes[string(attr.Key)] = attr.Value.Emit()
	}
	for _, event := range span.Events() {
		se := SpanEvent{
			Name:       event.Name,
			TimeUnix:   event.Time.UnixNano(),
			Attributes: make(map[string]string, len(event.Attributes)),
		}
		for _, attr := range event.Attributes {
			se.Attributes[string(attr.Key)] = attr.Value.Emit()
		}
		ds.Events = append(ds.Events, se)
	}
	return ds
}

// evictOldest drops spans in arrival order. Caller holds the write lock.
func (e *DebugExporter) evictOldest() {
	for len(e.order) > e.maxSize {
		id := e.order[0]
		e.order = e.order[1:]
		ds, ok := e.spans[id]
		if !ok {
			continue
		}
		delete(e.spans, id)

		requestID := ds.Attributes[AttrRequestID]
		ids := slices.DeleteFunc(e.byRequest[requestID], func(s string) bool { return s == id })
		if len(ids) == 0 {
			delete(e.byRequest, requestID)
		} else {
			e.byRequest[requestID] = ids
		}
	}
}

// Shutdown implements sdktrace.SpanExporter.
func (e *DebugExporter) Shutdown(context.Context) error {
	e.Clear()
	return nil
}

// Request returns the spans of one request ordered by start time.
func (e *DebugExporter) Request(requestID string) []*DebugSpan {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.byRequest[requestID]
	out := make([]*DebugSpan, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.spans[id])
	}
	slices.SortFunc(out, func(a, b *DebugSpan) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return strings.Compare(a.Name, b.Name)
		}
	})
	return out
}

// Span returns a span by id.
func (e *DebugExporter) Span(spanID string) *DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spans[spanID]
}

// Clear removes all captured spans.
func (e *DebugExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = nil
	e.spans = make(map[string]*DebugSpan)
	e.byRequest = make(map[string][]string)
}

// Count returns the number of captured spans.
func (e *DebugExporter) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.spans)
}

var _ sdktrace.SpanExporter = (*DebugExporter)(nil)
