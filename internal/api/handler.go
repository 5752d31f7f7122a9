package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/adapter"
	"github.com/kvoss/fleetline/internal/memory"
	"github.com/kvoss/fleetline/internal/orchestrator"
	"github.com/kvoss/fleetline/internal/protocol"
	"github.com/kvoss/fleetline/internal/registry"
	"github.com/kvoss/fleetline/internal/relay"
	"github.com/kvoss/fleetline/internal/scheduler"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *orchestrator.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*orchestrator.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*orchestrator.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// DocumentStore persists extracted document content.
type DocumentStore interface {
	PutDocument(ctx context.Context, doc memory.Document) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	reg       *registry.Registry
	pool      *adapter.Pool
	runner    *orchestrator.Runner
	sched     *scheduler.Scheduler
	schedules scheduler.Store
	workflows WorkflowStore
	pendings  orchestrator.PendingRunStore
	documents DocumentStore
	hub       *relay.Hub
	logger    *zap.Logger
}

// NewHandler creates a new API handler. documents may be nil when no
// database is configured.
func NewHandler(
	reg *registry.Registry,
	pool *adapter.Pool,
	runner *orchestrator.Runner,
	sched *scheduler.Scheduler,
	schedules scheduler.Store,
	workflows WorkflowStore,
	pendings orchestrator.PendingRunStore,
	documents DocumentStore,
	hub *relay.Hub,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		reg:       reg,
		pool:      pool,
		runner:    runner,
		sched:     sched,
		schedules: schedules,
		workflows: workflows,
		pendings:  pendings,
		documents: documents,
		hub:       hub,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Agent registry
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{name}", h.getAgent)
		r.Delete("/agents/{name}", h.deregisterAgent)

		// Per-session agent enablement
		r.Get("/sessions/{sessionID}/agents", h.listSessionAgents)
		r.Post("/sessions/{sessionID}/agents", h.enableSessionAgent)
		r.Delete("/sessions/{sessionID}/agents", h.disableSessionAgent)

		// Workflows
		r.Post("/workflows", h.saveWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Delete("/workflows/{id}", h.deleteWorkflow)
		r.Post("/workflows/{id}/run", h.runWorkflow)

		// Suspended runs and human replies
		r.Get("/pending", h.listPending)
		r.Post("/runs/{contextID}/reply", h.replyToRun)
		r.Post("/runs/{contextID}/cancel", h.cancelRun)
		r.Get("/runs/{contextID}/events", h.streamRunEvents)

		// Schedules
		r.Post("/schedules", h.createSchedule)
		r.Get("/schedules", h.listSchedules)
		r.Get("/schedules/{id}", h.getSchedule)
		r.Delete("/schedules/{id}", h.deleteSchedule)
		r.Get("/schedules/{id}/history", h.scheduleHistory)

		// Documents
		r.Post("/documents", h.putDocument)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var card protocol.AgentCard
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if card.Name == "" || card.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and url are required"})
		return
	}
	h.reg.Register(card)
	writeJSON(w, http.StatusCreated, card)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	card, err := h.reg.Resolve(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	h.reg.Deregister(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) listSessionAgents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, h.reg.ListEnabledFor(sessionID))
}

func (h *Handler) enableSessionAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var card protocol.AgentCard
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if card.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	h.reg.EnableForSession(sessionID, card)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

type disableAgentRequest struct {
	URL string `json:"url"`
}

func (h *Handler) disableSessionAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req disableAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.reg.DisableForSession(sessionID, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (h *Handler) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf orchestrator.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Goal == "" && len(wf.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow needs steps or a goal"})
		return
	}
	if err := h.workflows.SaveWorkflow(r.Context(), &wf); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.workflows.ListWorkflows(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if wfs == nil {
		wfs = []*orchestrator.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// runWorkflow triggers a run and returns once it completes, fails or
// suspends on human input. Progress is observable live on the run's
// event stream.
func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	contextID := uuid.New().String()
	result, err := h.runner.Run(r.Context(), wf, contextID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pendingQuestion struct {
	ContextID string    `json:"contextId"`
	Question  string    `json:"question"`
	AskedAt   time.Time `json:"askedAt"`
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	out := []pendingQuestion{}
	for _, p := range h.pool.PendingQuestions() {
		out = append(out, pendingQuestion{
			ContextID: p.ContextID,
			Question:  p.Question,
			AskedAt:   p.AskedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type replyRequest struct {
	Reply string `json:"reply"`
}

func (h *Handler) replyToRun(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Reply == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reply is required"})
		return
	}

	pr, err := h.pendings.GetPendingRun(r.Context(), contextID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no suspended run for context %s", contextID)})
		return
	}
	wf, err := h.workflows.GetWorkflow(r.Context(), pr.WorkflowID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.runner.ResumeRun(r.Context(), wf, contextID, protocol.UserText(contextID, req.Reply))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	cancelled := h.runner.Cancel(r.Context(), contextID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// streamRunEvents follows a run's relay envelopes over SSE.
func (h *Handler) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := contextID + ":" + uuid.New().String()
	ch := h.hub.Subscribe(subID)
	defer h.hub.Unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			if env.ContextID != contextID && env.ConversationID != contextID {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sw scheduler.ScheduledWorkflow
	if err := json.NewDecoder(r.Body).Decode(&sw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := h.workflows.GetWorkflow(r.Context(), sw.WorkflowID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown workflow %s", sw.WorkflowID)})
		return
	}
	if err := h.sched.Create(r.Context(), &sw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sw)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := h.schedules.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []*scheduler.ScheduledWorkflow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sw, err := h.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) scheduleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	hist, err := h.schedules.ListHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if hist == nil {
		hist = []scheduler.RunHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) putDocument(w http.ResponseWriter, r *http.Request) {
	if h.documents == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "document store not configured"})
		return
	}
	var doc memory.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if doc.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if err := h.documents.PutDocument(r.Context(), doc); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
