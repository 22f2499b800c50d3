package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/pipeline"
	"github.com/Keyring-Network/inquiryos/internal/store"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "0.1.0"

type Server struct {
	store      store.Store
	broker     Broker
	executor   Executor
	states     StateReader
	workflows  WorkflowService
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time
	newID      func() string
}

type Broker interface {
	Publish(event events.PipelineEvent)
	Subscribe(ctx context.Context, runID string) <-chan events.PipelineEvent
}

type Executor interface {
	Execute(ctx context.Context, runID string, mode string) (pipeline.Result, error)
}

type StateReader interface {
	GetRunState(ctx context.Context, runID string) (pipeline.RunState, error)
}

// WorkflowService starts pipeline executions on the Temporal worker. It is
// optional; without it the enqueue endpoint answers 503.
type WorkflowService interface {
	StartPipeline(ctx context.Context, runID string, mode string) error
}

type Deps struct {
	Store     store.Store
	Broker    Broker
	Executor  Executor
	States    StateReader
	Workflows WorkflowService
	Logger    *slog.Logger
}

func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      deps.Store,
		broker:     deps.Broker,
		executor:   deps.Executor,
		states:     deps.States,
		workflows:  deps.Workflows,
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.CORSAllowedOrigins))

	r.Route("/research-runs", func(r chi.Router) {
		r.Post("/", s.createRun)
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		r.Get("/{id}/detail", s.getRunDetail)
		r.Get("/{id}/state", s.getRunState)
		r.Post("/{id}/execute", s.executeRun)
		r.Post("/{id}/enqueue", s.enqueueRun)
		r.Get("/{id}/events", s.streamEvents)
		r.Post("/{id}/events", s.ingestEvent)
	})
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// High frequency polling and streaming requests stay out of the access log.
func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if strings.HasSuffix(cleanPath, "/events") && (method == http.MethodGet || method == http.MethodPost) {
		return true
	}
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/state") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "ok", "version": Version}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx, 1, 0); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	baseURL := strings.TrimSpace(s.cfg.LLMBaseURL)
	if !s.cfg.LiveProviderEnabled || baseURL == "" {
		subsystems["llm"] = subsystemStatus{Status: "skipped"}
	} else {
		resp, err := s.checkHTTP(ctx, strings.TrimRight(baseURL, "/"))
		switch {
		case err != nil:
			subsystems["llm"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		case resp.StatusCode >= http.StatusInternalServerError:
			subsystems["llm"] = subsystemStatus{Status: "error", Error: fmt.Sprintf("llm status %d", resp.StatusCode)}
			overall = http.StatusServiceUnavailable
		default:
			subsystems["llm"] = subsystemStatus{Status: "ok"}
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func (s *Server) checkHTTP(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Body.Close()
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, statusCode int, code string, message string) {
	writeJSONStatus(w, errorResponse{Error: code, Message: message}, statusCode)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	ctx := r.Context()
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.internalError(w, "load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run_not_found", fmt.Sprintf("research run %s not found", runID))
		return
	}

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates are filtered by seq.
	eventsChan := s.broker.Subscribe(ctx, runID)
	afterSeq := parseAfterSeq(runID, r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := afterSeq
	for _, event := range stored {
		sendSSE(w, events.FromStore(event))
		lastSeq = event.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			lastSeq = event.Seq
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// ingestEvent relays an event persisted by another process, typically the
// worker, to this process's SSE subscribers. The event is not stored again.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var event events.PipelineEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a pipeline event")
		return
	}
	if event.RunID == "" {
		event.RunID = runID
	}
	if event.RunID != runID {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id does not match the path")
		return
	}
	event.Type = events.NormalizeType(event.Type)
	if event.Type == "" || event.Seq <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "type and a positive seq are required")
		return
	}
	if _, ok := s.loadRun(w, r); !ok {
		return
	}
	s.broker.Publish(event)
	writeJSONStatus(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

func sendSSE(w http.ResponseWriter, event events.PipelineEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprint(w, "event: pipeline_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	prefix, seqPart, ok := strings.Cut(lastEventID, ":")
	if !ok || prefix != runID {
		return 0
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		origins[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				if _, ok := origins[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error("request failed", "action", action, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("%s: %v", action, err))
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
