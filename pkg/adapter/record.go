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

package adapter

import (
	"encoding/json"
	"fmt"
)

const (
	fieldSourceID   = "source_id"
	fieldRecordType = "record_type"
)

// Record is one normalized result row. On the wire it is a flat object with
// source_id and record_type next to the data fields.
type Record struct {
	SourceID   string
	RecordType string
	Fields     map[string]any
}

// NewRecord builds a record, dropping any data fields that collide with the
// reserved keys.
func NewRecord(sourceID, recordType string, fields map[string]any) Record {
	if fields == nil {
		fields = map[string]any{}
	}
	delete(fields, fieldSourceID)
	delete(fields, fieldRecordType)
	return Record{SourceID: sourceID, RecordType: recordType, Fields: fields}
}

// Get returns a field value.
func (r Record) Get(field string) (any, bool) {
	switch field {
	case fieldSourceID:
		return r.SourceID, true
	case fieldRecordType:
		return r.RecordType, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[fieldSourceID] = r.SourceID
	flat[fieldRecordType] = r.RecordType
	return json.Marshal(flat)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	sourceID, _ := flat[fieldSourceID].(string)
	recordType, _ := flat[fieldRecordType].(string)
	if sourceID == "" {
		return fmt.Errorf("record without %s", fieldSourceID)
	}
	*r = NewRecord(sourceID, recordType, flat)
	return nil
}

// Cap truncates records to limit.
func Cap(records []Record, limit int) []Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
