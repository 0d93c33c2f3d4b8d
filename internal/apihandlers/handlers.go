package apihandlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"photoflow/internal/engine"
	"photoflow/internal/models"
	"photoflow/internal/services"
	"photoflow/internal/tasks"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const CallbackTokenHeader = "X-Callback-Token"

// Orchestrator is the engine surface exposed over HTTP.
type Orchestrator interface {
	RunCycle(ctx context.Context) engine.CycleSummary
	GetStats(ctx context.Context) (models.Stats, error)
	ReconcileQueued(ctx context.Context, p tasks.InferenceResultPayload) error
}

type APIHandler struct {
	Tasks         *services.TaskService
	Credits       *services.CreditService
	Engine        Orchestrator
	CallbackToken string
	Health        func(ctx context.Context) map[string]string
}

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Type    models.JobType    `json:"type" binding:"required"`
	OwnerID string            `json:"owner_id" binding:"required"`
	Params  models.TaskParams `json:"params"`
}

// CancelTaskRequest is the optional body of POST /api/v1/tasks/:id/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (h *APIHandler) SubmitTaskHandler(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	task, err := h.Tasks.Submit(c.Request.Context(), services.SubmitParams{
		Type:    req.Type,
		OwnerID: req.OwnerID,
		Params:  req.Params,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": task.View()})
}

func (h *APIHandler) ListTasksHandler(c *gin.Context) {
	params, err := parseListTasksParams(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	list, err := h.Tasks.List(c.Request.Context(), params)
	if err != nil {
		RespondError(c, err)
		return
	}
	items := make([]models.TaskView, len(list))
	for i, t := range list {
		items[i] = t.View()
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// parseListTasksParams parses owner_id, status, limit and offset.
func parseListTasksParams(c *gin.Context) (services.ListParams, error) {
	p := services.ListParams{OwnerID: c.Query("owner_id"), Limit: 20}
	if s := c.Query("status"); s != "" {
		st := models.TaskStatus(s)
		if !st.Valid() {
			return p, fmt.Errorf("invalid status: %s", s)
		}
		p.Status = st
	}
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return p, fmt.Errorf("invalid limit: %s", l)
		}
		p.Limit = parsed
	}
	if o := c.Query("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return p, fmt.Errorf("invalid offset: %s", o)
		}
		p.Offset = parsed
	}
	return p, nil
}

func (h *APIHandler) GetTaskHandler(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := h.Tasks.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task.View()})
}

func (h *APIHandler) CancelTaskHandler(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	task, err := h.Tasks.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task.View()})
}

func (h *APIHandler) StatsHandler(c *gin.Context) {
	stats, err := h.Engine.GetStats(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// RunCycleHandler runs one driver cycle synchronously.
func (h *APIHandler) RunCycleHandler(c *gin.Context) {
	summary := h.Engine.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// InferenceCallbackHandler receives results from providers that answer
// asynchronously. Stale or duplicate results are accepted and discarded.
func (h *APIHandler) InferenceCallbackHandler(c *gin.Context) {
	if h.CallbackToken != "" {
		got := c.GetHeader(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.CallbackToken)) != 1 {
			Unauthorized(c, "invalid callback token")
			return
		}
	}
	var p tasks.InferenceResultPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if p.TaskID == uuid.Nil {
		BadRequest(c, "missing task_id")
		return
	}
	if err := h.Engine.ReconcileQueued(c.Request.Context(), p); err != nil {
		RespondError(c, err)
		return
	}
	log.WithField("task_id", p.TaskID).Debug("Inference callback accepted")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *APIHandler) CreditsHandler(c *gin.Context) {
	owner := c.Param("owner")
	balance, err := h.Credits.Balance(c.Request.Context(), owner)
	if err != nil {
		RespondError(c, err)
		return
	}
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.Credits.ListEntries(c.Request.Context(), owner, limit, 0)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"owner_id": owner,
		"balance":  balance,
		"entries":  entries,
	}})
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.Health != nil {
		checks := h.Health(c.Request.Context())
		for _, v := range checks {
			if v != "ok" {
				resp["status"] = "degraded"
			}
		}
		resp["checks"] = checks
	}
	c.JSON(http.StatusOK, resp)
}

// parseTaskID reads the :id path parameter, writing a 400 on failure.
func parseTaskID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, fmt.Sprintf("Invalid task ID format: %s", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func NewAPIHandler(taskSvc *services.TaskService, credits *services.CreditService, orch Orchestrator) *APIHandler {
	return &APIHandler{Tasks: taskSvc, Credits: credits, Engine: orch}
}
