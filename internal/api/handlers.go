package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/health"
)

// MsgFieldsRequired is returned for any request missing to, subject or body
const MsgFieldsRequired = "to, subject, and body are required"

// NotifyRequest is the body of POST /api/notify
type NotifyRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ErrorResponse is the body of every 4xx/5xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleNotify validates and enqueues one email.
// 200 {"ok": accepted, "enqueued": envelope}, 400 on missing fields, 500 on broker failure.
func (r *Router) handleNotify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: MsgFieldsRequired})
		return
	}

	receipt, err := r.enqueuer.Enqueue(c.Request.Context(), req.To, req.Subject, req.Body)
	if err != nil {
		if errors.Is(err, contracts.ErrValidation) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: MsgFieldsRequired})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, receipt)
}

// handleResults returns every stored record, oldest first
func (r *Router) handleResults(c *gin.Context) {
	if r.results == nil {
		c.JSON(http.StatusOK, []contracts.ResultRecord{})
		return
	}

	records, err := r.results.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []contracts.ResultRecord{}
	}

	c.JSON(http.StatusOK, records)
}

// handleHealth reports 200 while healthy or degraded and 503 when unhealthy
func (r *Router) handleHealth(c *gin.Context) {
	if r.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.healthTimeout)
	defer cancel()

	report := r.health.Check(ctx)

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
