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

// Package conduit is an on-prem natural-language data access layer.
//
// A question such as "compare shipments in Shiprocket with payments in
// PayU" is classified, turned into a query intent, planned as a dependency
// graph over the registered sources and executed with per-source retries,
// circuit breakers and a last-good cache. Progress streams as events and
// ends with one final result, which may be partial when some sources fail.
//
// # Quick Start
//
// Declare sources:
//
//	sources:
//	  - id: postgres
//	    type: postgres
//	    capabilities: [relational, time_range]
//	    entities: [orders, customers]
//	    connection:
//	      host: localhost
//	      database: shop
//	      username: ${PGUSER}
//	      password: ${PGPASSWORD}
//	  - id: shiprocket
//	    type: shiprocket
//	    capabilities: [logistics]
//	    connection:
//	      auth:
//	        email: ${SHIPROCKET_EMAIL}
//	        password: ${SHIPROCKET_PASSWORD}
//
// Guard the HTTP API and cap each caller:
//
//	server:
//	  auth:
//	    jwks_url: https://idp.example.com/.well-known/jwks.json
//	    issuer: https://idp.example.com
//	    audience: conduit
//	  rate_limit:
//	    limits:
//	      - {window: minute, requests: 60}
//
// Ask from the command line or serve the HTTP API:
//
//	conduit ask -c conduit.yaml "show orders from last week"
//	conduit serve -c conduit.yaml --watch
//
// # Using as Go Library
//
//	reg := adapter.NewRegistry()
//	_ = reg.RegisterInstance(myAdapter)
//	orch, _ := orchestrator.New(reg, orchestrator.Config{})
//	res, err := orch.Ask(ctx, "show orders from last week")
//
// See pkg/orchestrator for the request lifecycle, pkg/adapter for the
// adapter contract and pkg/runtime for building everything from config.
package conduit
