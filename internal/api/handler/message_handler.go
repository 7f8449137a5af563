package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/chatbridge/relay/internal/api/dto"
	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SendMessage handles POST /api/v1/messages
// Enqueues an outbound job; delivery happens asynchronously via the dispatcher
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !domain.ValidDestination(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "destination must be a phone number with 7 to 15 digits",
		})
		return
	}

	jobID, err := h.storage.EnqueueJob(c.Request.Context(), req.Destination, req.Body, req.LinkedMessageID)
	if err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue message",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":      jobID,
		"destination": domain.NormalizeAddress(req.Destination),
		"status":      domain.JobStatusQueued,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists outbound jobs with optional status filtering
func (h *MessageHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	switch req.Status {
	case "", domain.JobStatusQueued, domain.JobStatusProcessing, domain.JobStatusSent, domain.JobStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid status filter",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), req.Status, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	for _, job := range jobs {
		d := dto.JobDTO{
			ID:          job.ID,
			Destination: job.Destination,
			Body:        job.Body,
			Status:      job.Status,
			Attempts:    job.Attempts,
			CreatedAt:   job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
		}
		if job.LastError.Valid {
			d.LastError = job.LastError.String
		}
		if job.LinkedMessageID.Valid {
			d.LinkedMessageID = job.LinkedMessageID.String
		}
		resp.Jobs = append(resp.Jobs, d)
	}

	c.JSON(http.StatusOK, resp)
}

// Pairing handles GET /api/v1/pairing
// Returns the gateway pairing code while the session awaits account linking
func (h *MessageHandler) Pairing(c *gin.Context) {
	sess, ready := h.sessions.Current()
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "session not ready",
			"state": h.sessions.State().String(),
		})
		return
	}

	code, err := sess.PairingCode(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to fetch pairing code", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to fetch pairing code",
		})
		return
	}

	if code == "" {
		c.JSON(http.StatusOK, gin.H{
			"paired": true,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"paired": false,
		"code":   code,
	})
}

// Health handles GET /health
// Reports session state and queue depth by status
func (h *MessageHandler) Health(c *gin.Context) {
	counts, err := h.storage.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue depth", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "degraded",
			"error":  "Failed to read queue depth",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "relay-service",
		"session": h.sessions.State().String(),
		"queue":   counts,
	})
}
