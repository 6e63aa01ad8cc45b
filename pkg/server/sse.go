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

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// streamRun writes the run's events as server-sent events. The final
// event carries the result; the stream ends after it. A client that goes
// away cancels the run, and the remaining events are drained.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *orchestrator.Run) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", run.ID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	gone := false
	for ev := range run.Events() {
		if gone {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			slog.Debug("SSE client went away", "request_id", run.ID, "error", err)
			gone = true
			run.Cancel()
			continue
		}
		if err := rc.Flush(); err != nil {
			gone = true
			run.Cancel()
		}
	}
	_, _ = run.Wait()
	if r.Context().Err() != nil {
		slog.Debug("SSE request context ended", "request_id", run.ID)
	}
}

func writeEvent(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"seq": ev.Seq, "type": ev.Type, "error": err.Error()})
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
