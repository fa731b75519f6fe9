package orchestration

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/registry"
)

// ErrorResponse is the JSON error body of every API failure.
type ErrorResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code,omitempty"`
	Diagnostics []PlannerDiagnostic `json:"diagnostics,omitempty"`
}

// APIHandler exposes the orchestrator over HTTP: run streaming, capability
// registration, human tasks, and HITL operations.
type APIHandler struct {
	coordinator *Coordinator
	registry    *registry.Service
	logger      core.Logger
}

// NewAPIHandler creates the handler.
func NewAPIHandler(coordinator *Coordinator, reg *registry.Service, logger core.Logger) *APIHandler {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("flex/api")
	}
	return &APIHandler{coordinator: coordinator, registry: reg, logger: logger}
}

// RegisterRoutes registers every endpoint with the mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/flex/run.stream", h.requirePost(h.HandleRunStream))
	mux.HandleFunc("/api/flex/capabilities/register", h.requirePost(h.HandleRegisterCapability))
	mux.HandleFunc("/api/flex/capabilities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleListCapabilities(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})
	mux.HandleFunc("/api/flex/tasks/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandlePendingTasks(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})
	mux.HandleFunc("/api/flex/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/decline"):
			h.HandleDeclineTask(w, r)
		case strings.HasSuffix(r.URL.Path, "/complete"):
			h.HandleCompleteTask(w, r)
		default:
			h.writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		}
	})
	mux.HandleFunc("/api/flex/hitl/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandlePendingHitl(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})
	mux.HandleFunc("/api/flex/hitl/resume", h.requirePost(h.HandleHitlResume))
	mux.HandleFunc("/api/flex/hitl/remove", h.requirePost(h.HandleHitlRemove))
	mux.HandleFunc("/api/flex/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleGetRun(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})
}

func (h *APIHandler) requirePost(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		next(w, r)
	}
}

// HandleRunStream executes an envelope and streams run events as SSE
// frames. Ingress validation failures are plain JSON errors; failures after
// the stream opens arrive as error frames.
func (h *APIHandler) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)

	var envelope TaskEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_PAYLOAD")
		return
	}
	if envelope.Objective == "" {
		h.writeError(w, http.StatusBadRequest, "objective is required", "INVALID_PAYLOAD")
		return
	}
	if err := NormalizeEnvelope(&envelope); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_condition_dsl")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "STREAMING_UNSUPPORTED")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := func(event FlexEvent) {
		writeSSE(w, event.Type, event)
		flusher.Flush()
	}

	_, err := h.coordinator.Run(r.Context(), &envelope, sink)
	if err != nil && !isSuspension(err) {
		writeSSE(w, "error", map[string]interface{}{
			"error": err.Error(),
			"code":  errorCode(err),
		})
		flusher.Flush()
	}
}

// HandleRegisterCapability accepts a capability registration and returns
// the canonical record plus registry counts.
func (h *APIHandler) HandleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)

	var registration registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&registration); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_PAYLOAD")
		return
	}

	record, err := h.registry.Register(r.Context(), &registration)
	if err != nil {
		var rejected *registry.RegistrationRejectedError
		if errors.As(err, &rejected) {
			h.writeError(w, http.StatusBadRequest, rejected.Message, rejected.Code)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error(), "REGISTRATION_FAILED")
		return
	}

	active, err := h.registry.ListActive(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "REGISTRY_UNAVAILABLE")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"record": record,
		"registry": map[string]interface{}{
			"active": len(active),
			"count":  len(active),
		},
	})
}

// HandleListCapabilities returns the active capability set.
func (h *APIHandler) HandleListCapabilities(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	active, err := h.registry.ListActive(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "REGISTRY_UNAVAILABLE")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": active})
}

// HandlePendingTasks lists pending human tasks, filterable by assignee and
// role.
func (h *APIHandler) HandlePendingTasks(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	filter := TaskFilter{
		AssignedTo: r.URL.Query().Get("assignedTo"),
		Role:       r.URL.Query().Get("role"),
	}
	tasks, err := h.coordinator.PendingTasks(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "TASKS_UNAVAILABLE")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

type taskActionRequest struct {
	Output   map[string]interface{} `json:"output,omitempty"`
	Operator string                 `json:"operator,omitempty"`
	Note     string                 `json:"note,omitempty"`
}

// HandleDeclineTask declines a pending task, failing its run.
func (h *APIHandler) HandleDeclineTask(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	taskID := extractPathID(r.URL.Path, "/api/flex/tasks/")
	if taskID == "" {
		h.writeError(w, http.StatusNotFound, "task id is required", "NOT_FOUND")
		return
	}

	var body taskActionRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	task, err := h.coordinator.FindTaskByAssignment(r.Context(), taskID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "task not found: "+taskID, "TASK_NOT_FOUND")
		return
	}
	record, err := h.coordinator.LoadRun(r.Context(), task.RunID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "run not found: "+task.RunID, "RUN_NOT_FOUND")
		return
	}
	if record.Status != StatusAwaitingHuman {
		h.writeError(w, http.StatusConflict, "run is no longer awaiting human input", "invalid_run_state")
		return
	}

	audit := &ResumeAudit{RunID: task.RunID, Operator: body.Operator, Note: body.Note}
	if err := h.coordinator.DeclineHumanTask(r.Context(), task.RunID, task.NodeID, audit); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "DECLINE_FAILED")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"runId":  task.RunID,
		"nodeId": task.NodeID,
		"status": "declined",
	})
}

// HandleCompleteTask applies a human task's output and resumes the run.
// The response reports the run's state after resumption; event streaming
// belongs to run.stream.
func (h *APIHandler) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	taskID := extractPathID(r.URL.Path, "/api/flex/tasks/")
	if taskID == "" {
		h.writeError(w, http.StatusNotFound, "task id is required", "NOT_FOUND")
		return
	}

	var body taskActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_PAYLOAD")
		return
	}

	task, err := h.coordinator.FindTaskByAssignment(r.Context(), taskID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "task not found: "+taskID, "TASK_NOT_FOUND")
		return
	}

	audit := &ResumeAudit{RunID: task.RunID, Operator: body.Operator, Note: body.Note}
	output, err := h.coordinator.CompleteHumanTask(r.Context(), task.RunID, task.NodeID, body.Output, audit, nil)
	if err != nil {
		h.writeRunError(w, task.RunID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"runId":  task.RunID,
		"status": StatusCompleted,
		"output": output,
	})
}

// HandlePendingHitl returns the HITL state of one run.
func (h *APIHandler) HandlePendingHitl(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required", "INVALID_PAYLOAD")
		return
	}
	state, err := h.coordinator.PendingHitl(r.Context(), runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "HITL_UNAVAILABLE")
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

type hitlResumeRequest struct {
	RunID        string                 `json:"runId"`
	RequestID    string                 `json:"requestId"`
	ResponseType string                 `json:"responseType,omitempty"`
	Approved     *bool                  `json:"approved,omitempty"`
	Answer       string                 `json:"answer,omitempty"`
	Operator     string                 `json:"operator,omitempty"`
	Note         string                 `json:"note,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// HandleHitlResume records an operator response and resumes the run.
func (h *APIHandler) HandleHitlResume(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	var body hitlResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_PAYLOAD")
		return
	}
	if body.RunID == "" || body.RequestID == "" {
		h.writeError(w, http.StatusBadRequest, "runId and requestId are required", "INVALID_PAYLOAD")
		return
	}

	response := &HitlResponse{
		RequestID:    body.RequestID,
		ResponseType: body.ResponseType,
		Approved:     body.Approved,
		Answer:       body.Answer,
		Operator:     body.Operator,
		Note:         body.Note,
		Metadata:     body.Metadata,
	}
	audit := &ResumeAudit{RunID: body.RunID, Operator: body.Operator, Note: body.Note}

	output, err := h.coordinator.ResumeHitl(r.Context(), body.RunID, response, audit, nil)
	if err != nil {
		h.writeRunError(w, body.RunID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"runId":  body.RunID,
		"status": StatusCompleted,
		"output": output,
	})
}

type hitlRemoveRequest struct {
	RunID     string `json:"runId"`
	RequestID string `json:"requestId"`
}

// HandleHitlRemove cancels a pending request without resuming the run.
func (h *APIHandler) HandleHitlRemove(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	var body hitlRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_PAYLOAD")
		return
	}
	if err := h.coordinator.RemoveHitlRequest(r.Context(), body.RunID, body.RequestID); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error(), "REQUEST_NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// HandleGetRun returns a run record.
func (h *APIHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	echoCorrelationID(w, r)
	runID := extractPathID(r.URL.Path, "/api/flex/runs/")
	if runID == "" {
		h.writeError(w, http.StatusNotFound, "run id is required", "NOT_FOUND")
		return
	}
	record, err := h.coordinator.LoadRun(r.Context(), runID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "run not found: "+runID, "RUN_NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// / writeRunError maps post-resume outcomes: suspensions are 200 responses
// describing the run state, everything else is a server error.
func (h *APIHandler) writeRunError(w http.ResponseWriter, runID string, err error) {
	if isSuspension(err) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":     true,
			"runId":  runID,
			"status": suspensionStatus(err),
		})
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error(), errorCode(err))
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "http_response",
			"error":     err.Error(),
		})
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func echoCorrelationID(w http.ResponseWriter, r *http.Request) {
	if cid := r.Header.Get("x-correlation-id"); cid != "" {
		w.Header().Set("x-correlation-id", cid)
	}
}

func extractPathID(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(id, "/"); idx > 0 {
		id = id[:idx]
	}
	return id
}

func writeSSE(w http.ResponseWriter, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + eventType + "\n"))
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
}

// isSuspension reports whether an error parks the run rather than failing
// it.
func isSuspension(err error) bool {
	var hitlPause *HitlPauseError
	var paused *RunPausedError
	var awaiting *AwaitingHumanInputError
	return errors.As(err, &hitlPause) || errors.As(err, &paused) || errors.As(err, &awaiting)
}

func suspensionStatus(err error) string {
	var hitlPause *HitlPauseError
	var paused *RunPausedError
	var awaiting *AwaitingHumanInputError
	switch {
	case errors.As(err, &hitlPause):
		return StatusAwaitingHitl
	case errors.As(err, &paused):
		return StatusAwaitingHitl
	case errors.As(err, &awaiting):
		return StatusAwaitingHuman
	default:
		return StatusRunning
	}
}

// errorCode maps typed orchestration errors to stable API codes.
func errorCode(err error) string {
	var invalidDSL *InvalidConditionDslError
	var unsupported *UnsupportedObjectiveError
	var missingPinned *MissingPinnedCapabilitiesError
	var rejected *PlannerDraftRejectedError
	var validation *FlexValidationError
	var policyFailure *RuntimePolicyFailureError
	var goalFailed *GoalConditionFailedError
	switch {
	case errors.As(err, &invalidDSL):
		return "invalid_condition_dsl"
	case errors.As(err, &unsupported):
		return "unsupported_objective"
	case errors.As(err, &missingPinned):
		return "missing_pinned_capabilities"
	case errors.As(err, &rejected):
		return "planner_draft_rejected"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &policyFailure):
		return "runtime_policy_failure"
	case errors.As(err, &goalFailed):
		return "goal_condition_failed"
	case errors.Is(err, core.ErrRunNotFound):
		return "run_not_found"
	default:
		return "internal_error"
	}
}
