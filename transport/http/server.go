// Package http implements the HTTP surface (spec §6): a thin
// net/http.ServeMux wiring each route to a C9 use case, SSE streaming
// via C2, and the plugin catalogue via C4. Grounded on
// itsneelabh-gomind/orchestration/task_api.go and hitl_api.go's
// handler/RegisterRoutes/writeError shape — the teacher itself reaches
// for bare net/http rather than a router library for this surface, so
// no router dependency is dropped here; none was ever in the stack.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/store"
)

// UseCases is the slice of C9 the transport depends on (spec §9's
// "define explicit interfaces" guidance) — satisfied by
// *usecases.UseCases.
type UseCases interface {
	CreateTask(ctx context.Context, owner domain.Owner, goal string, constraints domain.Constraints, successCriteria []string, autoStart bool) (*domain.Task, error)
	StartTask(ctx context.Context, taskID string) (*domain.Task, error)
	ResumeCheckpoint(ctx context.Context, taskID, stepID string, decision domain.CheckpointDecision, feedback string, learn bool) (*domain.Task, error)
	CancelTask(ctx context.Context, taskID string) (*domain.Task, error)
	LinkConversation(ctx context.Context, taskID, conversationID string) (*domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter store.ListFilter) (store.Page, error)
	PendingCheckpoints(ctx context.Context, taskID string) ([]*domain.Checkpoint, error)
}

// AuthProvider verifies the opaque bearer token spec §6 requires on
// every request against the external identity/authZ service (spec §1:
// "deliberately out of scope... external auth provider" — this is the
// narrow interface seam the core depends on instead of inlining a
// verification scheme).
type AuthProvider interface {
	Authenticate(ctx http.Header) (domain.Owner, error)
}

// CapabilityLister supplies the plugin catalogue endpoint. Satisfied by
// *plugin.Registry.
type CapabilityLister interface {
	List() []domain.PluginDefinition
}

// Server is the C9-fronting HTTP surface.
type Server struct {
	uc     UseCases
	auth   AuthProvider
	bus    *eventbus.Bus
	caps   CapabilityLister
	logger core.Logger
}

// New builds a Server.
func New(uc UseCases, auth AuthProvider, bus *eventbus.Bus, caps CapabilityLister, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Server{uc: uc, auth: auth, bus: bus, caps: caps, logger: logger}
}

// RegisterRoutes wires every spec §6 route onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/tasks", s.withAuth(s.handleTasksCollection))
	mux.HandleFunc("/tasks/", s.withAuth(s.handleTasksResource))
	mux.HandleFunc("/capabilities/plugins", s.withAuth(s.handleCapabilities))
}

func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, domain.Owner)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r, domain.Owner{})
			return
		}
		owner, err := s.auth.Authenticate(r.Header)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, core.KindUnauthorized, "missing or invalid credentials")
			return
		}
		next(w, r, owner)
	}
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request, owner domain.Owner) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r, owner)
	case http.MethodGet:
		s.handleListTasks(w, r, owner)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
	}
}

type createTaskRequest struct {
	Goal        string              `json:"goal"`
	Constraints domain.Constraints  `json:"constraints"`
	AutoStart   bool                `json:"auto_start"`
	Metadata    map[string]string   `json:"metadata"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, owner domain.Owner) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, core.KindInvalidInput, "invalid request body")
		return
	}
	if req.Goal == "" {
		s.writeError(w, http.StatusBadRequest, core.KindInvalidInput, "goal is required")
		return
	}

	task, err := s.uc.CreateTask(r.Context(), owner, req.Goal, req.Constraints, nil, req.AutoStart)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	if req.Metadata != nil {
		for k, v := range req.Metadata {
			task.Metadata[k] = v
		}
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, owner domain.Owner) {
	q := r.URL.Query()
	filter := store.ListFilter{
		OrganizationID: owner.OrganizationID,
		Status:         domain.TaskStatus(q.Get("status")),
		Cursor:         q.Get("cursor"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	page, err := s.uc.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": page.Items, "next_cursor": page.NextCursor})
}

// handleTasksResource dispatches every /tasks/{id}[/...] route.
func (s *Server) handleTasksResource(w http.ResponseWriter, r *http.Request, owner domain.Owner) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		s.writeError(w, http.StatusBadRequest, core.KindInvalidInput, "task id is required")
		return
	}
	taskID := segments[0]
	rest := segments[1:]

	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
			return
		}
		s.handleGetTask(w, r, taskID)

	case len(rest) == 1 && rest[0] == "cancel":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
			return
		}
		s.handleCancelTask(w, r, taskID)

	case len(rest) == 1 && rest[0] == "events":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
			return
		}
		eventbus.StreamTaskEvents(w, r, s.bus, taskID)

	case len(rest) == 2 && rest[0] == "checkpoints" && rest[1] == "pending":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
			return
		}
		s.handlePendingCheckpoints(w, r, taskID)

	case len(rest) == 4 && rest[0] == "steps" && rest[2] == "checkpoint" && rest[3] == "resolve":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
			return
		}
		s.handleResolveCheckpoint(w, r, taskID, rest[1])

	default:
		s.writeError(w, http.StatusNotFound, core.KindNotFound, "no such route")
	}

	_ = owner // reserved for an org-ownership check once AuthProvider is wired to a real identity service
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.uc.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.uc.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"task": task})
}

func (s *Server) handlePendingCheckpoints(w http.ResponseWriter, r *http.Request, taskID string) {
	items, err := s.uc.PendingCheckpoints(r.Context(), taskID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type resolveCheckpointRequest struct {
	Decision            domain.CheckpointDecision `json:"decision"`
	Feedback            string                    `json:"feedback,omitempty"`
	Inputs              map[string]interface{}    `json:"inputs,omitempty"`
	ModifiedInputs      map[string]interface{}    `json:"modified_inputs,omitempty"`
	SelectedAlternative string                    `json:"selected_alternative,omitempty"`
	Answers             map[string]interface{}    `json:"answers,omitempty"`
	Learn               bool                      `json:"learn,omitempty"`
}

func (s *Server) handleResolveCheckpoint(w http.ResponseWriter, r *http.Request, taskID, stepID string) {
	var req resolveCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, core.KindInvalidInput, "invalid request body")
		return
	}
	task, err := s.uc.ResumeCheckpoint(r.Context(), taskID, stepID, req.Decision, req.Feedback, req.Learn)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request, _ domain.Owner) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, core.KindInvalidInput, "method not allowed")
		return
	}
	var items []domain.PluginDefinition
	if s.caps != nil {
		items = s.caps.List()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// writeTypedError maps a core.FrameworkError's Kind onto the status
// codes spec §7 lists.
func (s *Server) writeTypedError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindUnauthorized:
		status = http.StatusUnauthorized
	case core.KindForbidden:
		status = http.StatusForbidden
	case core.KindInvalidInput, core.KindStaleVersion:
		status = http.StatusBadRequest
	case core.KindPolicyViolation:
		status = http.StatusUnprocessableEntity
	case core.KindTimeout, core.KindNetwork, core.KindInternal:
		status = http.StatusInternalServerError
	}
	s.writeError(w, status, kind, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind core.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"kind": string(kind), "message": message},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
