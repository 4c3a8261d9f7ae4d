// Package control is the thin operations surface mapping directly onto
// orchestrator lifecycle calls.
package control

import (
	"github.com/gin-gonic/gin"

	"github.com/notifyr/dispatch/internal/orchestrator"
	"github.com/notifyr/dispatch/pkg/httputil"
)

type Handler struct {
	orch *orchestrator.Orchestrator
}

func NewHandler(orch *orchestrator.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/control")
	g.POST("/start", h.Start)
	g.POST("/stop", h.Stop)
	g.POST("/pause", h.Pause)
	g.POST("/resume", h.Resume)
	g.POST("/reconcile", h.Reconcile)
	g.GET("/status", h.Status)
}

func (h *Handler) Start(c *gin.Context) {
	if err := h.orch.Start(c.Request.Context()); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"state": h.orch.State()})
}

func (h *Handler) Stop(c *gin.Context) {
	if err := h.orch.Stop(c.Request.Context()); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"state": h.orch.State()})
}

func (h *Handler) Pause(c *gin.Context) {
	h.orch.Pause()
	httputil.RespondWithSuccess(c, gin.H{"state": h.orch.State()})
}

func (h *Handler) Resume(c *gin.Context) {
	h.orch.Resume()
	httputil.RespondWithSuccess(c, gin.H{"state": h.orch.State()})
}

func (h *Handler) Reconcile(c *gin.Context) {
	if err := h.orch.Reconcile(c.Request.Context()); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"state": h.orch.State()})
}

func (h *Handler) Status(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.orch.Health())
}
