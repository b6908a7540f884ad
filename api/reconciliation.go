package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/service/reconcile"
)

type ReconciliationHandler struct {
	service reconcile.ReconcileUseCase
}

type repairRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func NewReconciliationHandler(service reconcile.ReconcileUseCase) *ReconciliationHandler {
	return &ReconciliationHandler{service: service}
}

func (h *ReconciliationHandler) Register(router *gin.RouterGroup) {
	router.GET("/run", h.run)
	router.GET("/report", h.report)
	router.GET("/orphaned", h.orphaned)
	router.GET("/bookings/:id", h.detail)
	router.POST("/payments/:id/repair", h.repair)
}

func parseWindow(c *gin.Context) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start, want RFC3339"})
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end, want RFC3339"})
		return time.Time{}, time.Time{}, false
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be after start"})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *ReconciliationHandler) run(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}
	summary, err := h.service.Run(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *ReconciliationHandler) report(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}
	report, err := h.service.Report(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="reconciliation.csv"`)
	c.Data(http.StatusOK, "text/csv", report)
}

func (h *ReconciliationHandler) orphaned(c *gin.Context) {
	pairings, err := h.service.Orphaned(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphaned": pairings})
}

func (h *ReconciliationHandler) detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	detail, err := h.service.Detail(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *ReconciliationHandler) repair(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req repairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payment, err := h.service.Repair(c.Request.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_id": payment.ID.String(), "state": payment.State})
}
