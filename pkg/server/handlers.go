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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/conduit/pkg/auth"
	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/resilience"
)

const maxBody = 1 << 20

// QueryRequest is the body of POST /v1/query and POST /v1/plan.
type QueryRequest struct {
	Question string `json:"question"`

	// Context is optional conversation context for the classifier.
	Context string `json:"context,omitempty"`

	// Stream selects server-sent events; an Accept: text/event-stream
	// header does the same.
	Stream bool `json:"stream,omitempty"`
}

// QueryResponse is the JSON answer of POST /v1/query.
type QueryResponse struct {
	Result *orchestrator.FinalResult `json:"result,omitempty"`
	Error  *APIError                 `json:"error,omitempty"`
}

// PlanResponse is the answer of /v1/plan.
type PlanResponse struct {
	Plan  *orchestrator.Plan `json:"plan,omitempty"`
	Error *APIError          `json:"error,omitempty"`
}

// APIError is the error shape of every endpoint.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Unresolved lists source names the question mentioned that no
	// registered source matches.
	Unresolved []string `json:"unresolved,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sources := s.service.Sources(r.Context(), false)
	open := 0
	for _, src := range sources {
		if src.Circuit == resilience.StateOpen.String() {
			open++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sources":       len(sources),
		"open_circuits": open,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_request", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	run := s.service.Run(ctx, req.Question, runOptions(req)...)
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		slog.Info("Query accepted", "request_id", run.ID, "subject", claims.Subject)
	}
	if req.Stream || wantsEventStream(r) {
		s.streamRun(w, r, run)
		return
	}

	res, err := run.Wait()
	if err != nil {
		status, apiErr := classify(err)
		slog.Debug("Query failed", "request_id", run.ID, "error", err)
		writeJSON(w, status, QueryResponse{Result: res, Error: apiErr})
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if r.Method == http.MethodGet {
		req.Question = strings.TrimSpace(r.URL.Query().Get("q"))
		req.Context = r.URL.Query().Get("context")
		if req.Question == "" {
			writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_request", Message: "query parameter q is required"})
			return
		}
	} else {
		var err error
		if req, err = decodeQuery(r); err != nil {
			writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_request", Message: err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	plan, err := s.service.Explain(ctx, req.Question, runOptions(req)...)
	if err != nil {
		status, apiErr := classify(err)
		writeJSON(w, status, PlanResponse{Plan: plan, Error: apiErr})
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: plan})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	probe, _ := strconv.ParseBool(r.URL.Query().Get("probe"))
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.service.Sources(r.Context(), probe)})
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.Schema())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	spans := s.obs.Spans()
	if spans == nil {
		writeError(w, http.StatusNotFound, &APIError{Code: "tracing_disabled", Message: "request traces are not recorded"})
		return
	}
	id := chi.URLParam(r, "id")
	found := spans.Request(id)
	if len(found) == 0 {
		writeError(w, http.StatusNotFound, &APIError{Code: "not_found", Message: fmt.Sprintf("no spans recorded for request %s", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "spans": found})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if err := s.reindex(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, &APIError{Code: "index_failed", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "indexed"})
}

func decodeQuery(r *http.Request) (QueryRequest, error) {
	var req QueryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, errors.New("question is required")
	}
	return req, nil
}

func runOptions(req QueryRequest) []orchestrator.RunOption {
	if req.Context == "" {
		return nil
	}
	return []orchestrator.RunOption{orchestrator.WithContextHint(req.Context)}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// classify maps orchestrator errors to HTTP statuses.
func classify(err error) (int, *APIError) {
	var (
		noSource *graph.NoSourceFoundError
		failed   *orchestrator.RequestFailedError
	)
	switch {
	case errors.As(err, &noSource):
		return http.StatusUnprocessableEntity, &APIError{Code: "no_source_found", Message: err.Error(), Unresolved: noSource.Unresolved}
	case errors.As(err, &failed):
		return http.StatusBadGateway, &APIError{Code: "sources_failed", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, &APIError{Code: "timeout", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return 499, &APIError{Code: "cancelled", Message: err.Error()}
	default:
		return http.StatusInternalServerError, &APIError{Code: "internal", Message: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, apiErr *APIError) {
	writeJSON(w, status, map[string]any{"error": apiErr})
}
