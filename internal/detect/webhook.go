package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/pkg/config"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Server is the HTTP surface of the sync daemon: the Huly webhook receiver,
// the Beads mutation short-circuit, and the health and metrics endpoints.
type Server struct {
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer wires the routes. The server does not own the dispatcher; Close
// order is server first, dispatcher second.
func NewServer(dispatcher *Dispatcher, m *metrics.Metrics) *Server {
	s := &Server{
		dispatcher: dispatcher,
		metrics:    m,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/api/beads/mutation", s.handleBeadsMutation)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      otelhttp.NewHandler(s.Handler(), "weave-http"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the instrumented route handler for use with custom
// servers and tests.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// webhookChange is one entry of a Huly webhook delivery.
type webhookChange struct {
	Entity string          `json:"entity"`
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// webhookRequest is the Huly webhook delivery body.
type webhookRequest struct {
	Type    string          `json:"type"`
	Changes []webhookChange `json:"changes"`
}

// webhookResponse reports what the delivery turned into.
type webhookResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// handleWebhook handles POST /webhook. Each issue change becomes one queued
// sync; changes for other entity kinds are counted as skipped. Redeliveries
// are idempotent because the workflow id is derived from (type, id).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "missing webhook type")
		return
	}

	resp := webhookResponse{Success: true}
	seen := make(map[string]bool, len(req.Changes))
	for _, change := range req.Changes {
		switch {
		case change.ID == "":
			resp.Errors = append(resp.Errors, "change missing id")
		case !issueEntity(change.Entity):
			resp.Skipped++
		case seen[change.ID]:
			resp.Skipped++
		default:
			seen[change.ID] = true
			ev := models.NewChangeEvent(models.SourceHuly, change.ID, kindFromString(change.Kind))
			ev.Project = identifierProject(change.ID)
			if len(change.After) > 0 {
				ev.Payload = change.After
			}
			s.dispatcher.EnqueueWebhookChange(req.Type, ev)
			resp.Processed++
		}
	}
	if resp.Processed == 0 && len(resp.Errors) > 0 {
		resp.Success = false
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// beadsMutationRequest is the short-circuit body a bd hook posts right after
// a local mutation, skipping the filesystem debounce round trip.
type beadsMutationRequest struct {
	Project string          `json:"project"`
	ID      string          `json:"id"`
	Kind    string          `json:"kind,omitempty"`
	Issue   json.RawMessage `json:"issue,omitempty"`
}

// handleBeadsMutation handles POST /api/beads/mutation.
func (s *Server) handleBeadsMutation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req beadsMutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Project == "" || req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "project and id are required")
		return
	}

	ev := models.NewChangeEvent(models.SourceBeads, req.ID, kindFromString(req.Kind))
	ev.Project = req.Project
	ev.Payload = req.Issue
	s.dispatcher.EnqueueIssueSync(ev, nil)

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(webhookResponse{Success: true, Processed: 1})
}

// handleHealth handles GET /health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"queued": s.dispatcher.QueueDepth(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(webhookResponse{Success: false, Errors: []string{message}})
}

// statusWriter captures the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}

// routeLabel keeps the path label cardinality bounded to the known routes.
func routeLabel(path string) string {
	switch path {
	case "/webhook", "/api/beads/mutation", "/health", "/metrics":
		return path
	}
	return "other"
}

// issueEntity reports whether a webhook change refers to an issue. Huly
// sends class-qualified entity names, so match by substring.
func issueEntity(entity string) bool {
	if entity == "" {
		return true
	}
	return strings.Contains(strings.ToLower(entity), "issue")
}

// kindFromString maps webhook change kinds onto the internal vocabulary.
// Unknown kinds sync as updates; the fetch step reclassifies deletions from
// the live tracker anyway.
func kindFromString(kind string) models.ChangeKind {
	switch strings.ToLower(kind) {
	case "create", "created", "add", "added":
		return models.ChangeCreate
	case "delete", "deleted", "remove", "removed":
		return models.ChangeDelete
	default:
		return models.ChangeUpdate
	}
}

// identifierProject extracts the project prefix from a Huly issue
// identifier like WEAVE-12.
func identifierProject(identifier string) string {
	if i := strings.LastIndex(identifier, "-"); i > 0 {
		return identifier[:i]
	}
	return ""
}
