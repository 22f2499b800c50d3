package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/inquiryos/internal/pipeline"
	"github.com/Keyring-Network/inquiryos/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type createRunRequest struct {
	Query string `json:"query"`
	Title string `json:"title"`
}

type providerModeRequest struct {
	ProviderMode string `json:"provider_mode"`
}

type runResponse struct {
	ID            string `json:"id"`
	Query         string `json:"query"`
	Title         string `json:"title,omitempty"`
	Status        string `json:"status"`
	ModelProvider string `json:"model_provider"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type stepResponse struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	StepIndex    int             `json:"step_index"`
	StepType     store.StepType  `json:"step_type"`
	Status       string          `json:"status"`
	Input        store.StepInput `json:"input"`
	Output       store.Output    `json:"output"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

type sourceResponse struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Summary        string         `json:"summary,omitempty"`
	RelevanceScore *float64       `json:"relevance_score,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

type answerResponse struct {
	ID        string              `json:"id"`
	RunID     string              `json:"run_id"`
	Content   string              `json:"content"`
	Citations map[string][]string `json:"citations"`
	CreatedAt string              `json:"created_at"`
}

type runWithStepsResponse struct {
	runResponse
	Steps []stepResponse `json:"steps"`
}

type runDetailResponse struct {
	runResponse
	Steps   []stepResponse   `json:"steps"`
	Sources []sourceResponse `json:"sources"`
	Answer  *answerResponse  `json:"answer"`
}

type enqueueResponse struct {
	RunID        string `json:"run_id"`
	ProviderMode string `json:"provider_mode,omitempty"`
	Status       string `json:"status"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	run := store.ResearchRun{
		ID:            s.newID(),
		Query:         query,
		Title:         strings.TrimSpace(req.Title),
		Status:        store.RunStatusPending,
		ModelProvider: s.cfg.DefaultProviderMode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.internalError(w, "create run", err)
		return
	}
	writeJSONStatus(w, toRunResponse(run), http.StatusCreated)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePaging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	response := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, toRunResponse(run))
	}
	writeJSON(w, response)
}

func parsePaging(r *http.Request) (int, int, error) {
	limit := defaultListLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = min(parsed, maxListLimit)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, toRunResponse(*run))
}

func (s *Server) getRunDetail(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		s.internalError(w, "list steps", err)
		return
	}
	sources, err := s.store.ListSources(ctx, run.ID)
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	answer, err := s.store.GetAnswer(ctx, run.ID)
	if err != nil {
		s.internalError(w, "get answer", err)
		return
	}

	response := runDetailResponse{
		runResponse: toRunResponse(*run),
		Steps:       toStepResponses(steps),
		Sources:     make([]sourceResponse, 0, len(sources)),
	}
	for _, source := range sources {
		response.Sources = append(response.Sources, sourceResponse{
			ID:             source.ID,
			RunID:          source.RunID,
			URL:            source.URL,
			Title:          source.Title,
			Summary:        source.Summary,
			RelevanceScore: source.RelevanceScore,
			Metadata:       source.Metadata,
			CreatedAt:      source.CreatedAt,
		})
	}
	if answer != nil {
		response.Answer = &answerResponse{
			ID:        answer.ID,
			RunID:     answer.RunID,
			Content:   answer.Content,
			Citations: answer.Citations,
			CreatedAt: answer.CreatedAt,
		}
	}
	writeJSON(w, response)
}

func (s *Server) getRunState(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	state, err := s.states.GetRunState(r.Context(), runID)
	if err != nil {
		s.writeExecutionError(w, runID, err)
		return
	}
	writeJSON(w, state)
}

func (s *Server) executeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	req, ok := decodeProviderMode(w, r)
	if !ok {
		return
	}
	result, err := s.executor.Execute(r.Context(), runID, req.ProviderMode)
	if err != nil {
		s.writeExecutionError(w, runID, err)
		return
	}
	writeJSON(w, runWithStepsResponse{
		runResponse: toRunResponse(result.Run),
		Steps:       toStepResponses(result.Steps),
	})
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows_unavailable", "asynchronous execution is not configured")
		return
	}
	req, ok := decodeProviderMode(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.ProviderMode))
	if err := s.workflows.StartPipeline(r.Context(), run.ID, mode); err != nil {
		s.internalError(w, "start pipeline workflow", err)
		return
	}
	writeJSONStatus(w, enqueueResponse{RunID: run.ID, ProviderMode: mode, Status: "enqueued"}, http.StatusAccepted)
}

// decodeProviderMode accepts an empty body as "use the run's mode".
func decodeProviderMode(w http.ResponseWriter, r *http.Request) (providerModeRequest, bool) {
	var req providerModeRequest
	if r.Body == nil {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return req, false
	}
	return req, true
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*store.ResearchRun, bool) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.internalError(w, "load run", err)
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run_not_found", fmt.Sprintf("research run %s not found", runID))
		return nil, false
	}
	return run, true
}

func (s *Server) writeExecutionError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", fmt.Sprintf("research run %s not found", runID))
	case errors.Is(err, pipeline.ErrInvalidProviderMode):
		writeError(w, http.StatusUnprocessableEntity, "invalid_provider_mode", err.Error())
	case errors.Is(err, pipeline.ErrRunBusy):
		writeError(w, http.StatusConflict, "run_busy", fmt.Sprintf("research run %s is already executing", runID))
	default:
		s.internalError(w, "execute run", err)
	}
}

func toRunResponse(run store.ResearchRun) runResponse {
	return runResponse{
		ID:            run.ID,
		Query:         run.Query,
		Title:         run.Title,
		Status:        run.Status,
		ModelProvider: run.ModelProvider,
		ErrorMessage:  run.ErrorMessage,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}

func toStepResponses(steps []store.ResearchStep) []stepResponse {
	response := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		response = append(response, stepResponse{
			ID:           step.ID,
			RunID:        step.RunID,
			StepIndex:    step.StepIndex,
			StepType:     step.StepType,
			Status:       step.Status,
			Input:        step.Input,
			Output:       step.Output,
			ErrorMessage: step.ErrorMessage,
			CreatedAt:    step.CreatedAt,
		})
	}
	return response
}
