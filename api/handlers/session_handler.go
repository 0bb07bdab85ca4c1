package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

type joinSessionRequest struct {
	AccessCode string `json:"access_code" binding:"required"`
}

type addFilamentRequest struct {
	FilamentID     string `json:"filament_id" binding:"required"`
	OwnerID        string `json:"owner_id"`
	OriginalWeight *int   `json:"original_weight" binding:"required"`
}

// CreateSession creates a session owned by the caller
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	session, err := h.Sessions.CreateSession(c.Request.Context(), principal(c), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// JoinSession adds the caller to the session with the given access code
func (h *Handler) JoinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	session, err := h.Sessions.JoinSession(c.Request.Context(), principal(c), req.AccessCode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetUserSessions returns the sessions the caller belongs to
func (h *Handler) GetUserSessions(c *gin.Context) {
	list, err := h.Sessions.GetUserSessions(c.Request.Context(), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// StreamSessions sends the caller's session list on every change
func (h *Handler) StreamSessions(c *gin.Context) {
	ch, err := h.Sessions.WatchSessions(c.Request.Context(), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	stream(c, "sessions", ch)
}

// GetSession returns one session
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.Sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// StreamSession sends a session on every change, and null once it is deleted
func (h *Handler) StreamSession(c *gin.Context) {
	ch, err := h.Sessions.WatchSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	stream(c, "session", ch)
}

// LeaveSession removes the caller from a session
func (h *Handler) LeaveSession(c *gin.Context) {
	result, err := h.Sessions.LeaveSession(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil && result == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		// The caller is out, some of their spools could not be detached.
		status, code := errorCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSessionFilaments lists the spools attached to a session
func (h *Handler) GetSessionFilaments(c *gin.Context) {
	filaments, err := h.Sessions.ListSessionFilaments(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, filaments)
}

// AddSessionFilament attaches a spool to a session
func (h *Handler) AddSessionFilament(c *gin.Context) {
	var req addFilamentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sf, err := h.Sessions.AddFilamentToSession(c.Request.Context(), principal(c), c.Param("id"),
		req.FilamentID, req.OwnerID, *req.OriginalWeight)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sf)
}

// RemoveSessionFilament detaches a spool from a session
func (h *Handler) RemoveSessionFilament(c *gin.Context) {
	err := h.Sessions.RemoveFilamentFromSession(c.Request.Context(), principal(c), c.Param("id"), c.Param("filamentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateSessionFilamentWeight records the remaining grams of a session spool
func (h *Handler) UpdateSessionFilamentWeight(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sf, err := h.Sessions.UpdateFilamentWeightInSession(c.Request.Context(), principal(c), c.Param("id"),
		c.Param("filamentId"), *req.Weight)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sf)
}
