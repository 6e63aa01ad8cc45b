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

package config

import (
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

// SchemaID is the $id of the generated schema.
const SchemaID = "https://github.com/kadirpekel/conduit/schemas/config.json"

// Schema reflects the JSON Schema of Config. Field names follow the yaml
// tags and every definition is inlined.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Mapper:                    mapType,
	}
	s := r.Reflect(&Config{})
	s.ID = SchemaID
	s.Title = "Conduit Configuration Schema"
	s.Description = "Sources, routing and runtime settings for the conduit data access layer"
	s.Version = "http://json-schema.org/draft-07/schema#"
	s.Examples = []any{
		map[string]any{
			"sources": []any{
				map[string]any{
					"id":           "orders_db",
					"type":         "postgres",
					"capabilities": []string{"relational", "time_range"},
					"connection": map[string]any{
						"host":     "localhost",
						"database": "shop",
						"username": "${PGUSER}",
						"password": "${PGPASSWORD}",
					},
				},
				map[string]any{
					"id":   "shiprocket",
					"type": "shiprocket",
					"connection": map[string]any{
						"auth": map[string]any{
							"email":    "${SHIPROCKET_EMAIL}",
							"password": "${SHIPROCKET_PASSWORD}",
						},
					},
				},
			},
		},
	}
	return s
}

// mapType renders durations the way the loader accepts them.
func mapType(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`},
				{Type: "integer", Minimum: "0"},
			},
		}
	}
	return nil
}
