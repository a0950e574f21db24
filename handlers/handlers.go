package handlers

import (
	"errors"
	"net/http"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/breaker"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/database"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/pipeline"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/statemachine"
)

// Handlers holds the HTTP surface of the verification service.
type Handlers struct {
	db       *database.Database
	pipe     *pipeline.Pipeline
	machine  *statemachine.Machine
	breakers *breaker.Registry
}

// NewHandlers creates a new handlers instance.
func NewHandlers(db *database.Database, pipe *pipeline.Pipeline, machine *statemachine.Machine, breakers *breaker.Registry) *Handlers {
	return &Handlers{db: db, pipe: pipe, machine: machine, breakers: breakers}
}

// SetupRoutes registers all routes on the router.
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/reports", h.CreateReport)
		api.GET("/reports/:id", h.GetReport)
		api.GET("/reports/:id/timeline", h.GetTimeline)
		api.POST("/reports/:id/verify", h.TriggerVerification)
		api.POST("/reports/:id/reverify", h.Reverify)
		api.POST("/reports/:id/progress", h.MarkInProgress)
		api.POST("/reports/:id/resolve", h.MarkResolved)
		api.GET("/stats", h.GetStats)
		api.GET("/health", h.HealthCheck)
	}
}

// CreateReportRequest is the intake payload.
type CreateReportRequest struct {
	Description string   `json:"description" binding:"required"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	ImageRefs   []string `json:"image_refs"`
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Detail string `json:"detail"`
}

func (r *actorRequest) actor() string {
	if r.Actor == "" {
		return "operator"
	}
	return r.Actor
}

// CreateReport persists a new report and submits it for verification.
func (h *Handlers) CreateReport(c *gin.Context) {
	var req CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request body",
			"error":   err.Error(),
		})
		return
	}

	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Coordinates out of range",
		})
		return
	}

	report := &models.Report{
		Description: req.Description,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Status:      models.StatusPendingVerification,
	}
	for i, ref := range req.ImageRefs {
		report.Images = append(report.Images, models.ReportImage{Ref: ref, Position: i})
	}

	if err := h.db.InsertReport(c.Request.Context(), report, "citizen"); err != nil {
		log.Errorf("Failed to insert report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to create report",
		})
		return
	}

	h.pipe.Submit(report.ID)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    report,
	})
}

// GetReport returns a report with its timeline.
func (h *Handlers) GetReport(c *gin.Context) {
	id := c.Param("id")

	report, err := h.db.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Report not found",
			})
			return
		}
		log.Errorf("Failed to get report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report",
		})
		return
	}

	timeline, err := h.db.GetTimeline(c.Request.Context(), id)
	if err != nil {
		log.Errorf("Failed to get timeline for report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report timeline",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"data":     report,
		"timeline": timeline,
	})
}

// GetTimeline returns the audit timeline of a report.
func (h *Handlers) GetTimeline(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.db.GetReport(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Report not found",
			})
			return
		}
		log.Errorf("Failed to get report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report",
		})
		return
	}

	timeline, err := h.db.GetTimeline(c.Request.Context(), id)
	if err != nil {
		log.Errorf("Failed to get timeline for report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report timeline",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    timeline,
	})
}

// TriggerVerification enqueues a pending report onto the pipeline.
func (h *Handlers) TriggerVerification(c *gin.Context) {
	id := c.Param("id")

	report, err := h.db.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Report not found",
			})
			return
		}
		log.Errorf("Failed to get report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report",
		})
		return
	}

	if report.Status != models.StatusPendingVerification {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "Report is not pending verification",
			"status":  report.Status,
		})
		return
	}

	h.pipe.Submit(id)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Verification queued",
	})
}

// Reverify moves a flagged report back to pending and re-enqueues it.
func (h *Handlers) Reverify(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	report, ok := h.transitionReport(c, statemachine.Change{
		To:     models.StatusPendingVerification,
		Actor:  req.actor(),
		Detail: "manual re-verification requested",
	})
	if !ok {
		return
	}

	h.pipe.Submit(report.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Report queued for re-verification",
		"data":    report,
	})
}

// MarkInProgress moves a verified report into remediation.
func (h *Handlers) MarkInProgress(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	report, ok := h.transitionReport(c, statemachine.Change{
		To:     models.StatusInProgress,
		Actor:  req.actor(),
		Detail: req.Detail,
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    report,
	})
}

// MarkResolved closes out a report.
func (h *Handlers) MarkResolved(c *gin.Context) {
	var req actorRequest
	_ = c.ShouldBindJSON(&req)

	report, ok := h.transitionReport(c, statemachine.Change{
		To:     models.StatusResolved,
		Actor:  req.actor(),
		Detail: req.Detail,
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    report,
	})
}

// transitionReport loads the report named in the path and applies the change,
// translating state machine and repository failures into HTTP responses. The
// returned bool reports whether a response is still pending.
func (h *Handlers) transitionReport(c *gin.Context, change statemachine.Change) (*models.Report, bool) {
	id := c.Param("id")

	report, err := h.db.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Report not found",
			})
			return nil, false
		}
		log.Errorf("Failed to get report %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get report",
		})
		return nil, false
	}

	if err := h.machine.Transition(c.Request.Context(), report, change); err != nil {
		var invalid *statemachine.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, models.ErrStatusConflict) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"message": "Transition not allowed from current status",
				"status":  report.Status,
			})
			return nil, false
		}
		log.Errorf("Failed to transition report %s to %s: %v", id, change.To, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to update report",
		})
		return nil, false
	}

	return report, true
}

// GetStats returns status counts and circuit breaker states.
func (h *Handlers) GetStats(c *gin.Context) {
	counts, err := h.db.StatusCounts(c.Request.Context())
	if err != nil {
		log.Errorf("Failed to get status counts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to get stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"statuses": counts,
		"breakers": h.breakers.States(),
	})
}

// HealthCheck returns service health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "report-verification",
	})
}
