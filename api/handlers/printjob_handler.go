package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devadigapratham/spoolshare/api/models"
)

// CreatePrintJob queues a print job in a session
func (h *Handler) CreatePrintJob(c *gin.Context) {
	var printJob models.PrintJob
	if err := c.ShouldBindJSON(&printJob); err != nil {
		badRequest(c, err)
		return
	}

	job, err := h.Sessions.SubmitPrintJob(c.Request.Context(), principal(c), c.Param("id"), printJob)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GetPrintJobs returns the print jobs of a session, optionally filtered by status
func (h *Handler) GetPrintJobs(c *gin.Context) {
	jobs, err := h.Sessions.ListPrintJobs(c.Request.Context(), c.Param("id"), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// UpdatePrintJobStatus updates the status of a print job
func (h *Handler) UpdatePrintJobStatus(c *gin.Context) {
	job, err := h.Sessions.UpdatePrintJobStatus(c.Request.Context(), principal(c), c.Param("id"),
		c.Param("jobId"), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
