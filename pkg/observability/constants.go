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

// Span names.
const (
	SpanRequest     = "conduit.request"
	SpanHTTPRequest = "http.request"
	SpanNodePrefix  = "node."
)

// Span attribute keys.
const (
	AttrRequestID = "conduit.request_id"
	AttrNodeID    = "conduit.node_id"
	AttrSourceID  = "conduit.source_id"
	AttrTier      = "conduit.tier"

	AttrHTTPMethod       = "http.method"
	AttrHTTPRoute        = "http.route"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"
	AttrErrorMessage     = "error.message"
)
