package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devadigapratham/spoolshare/api/models"
)

type weightRequest struct {
	Weight *int `json:"weight" binding:"required"`
}

type nfcRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// CreateFilament adds a spool to the caller's inventory
func (h *Handler) CreateFilament(c *gin.Context) {
	var spool models.FilamentSpool
	if err := c.ShouldBindJSON(&spool); err != nil {
		badRequest(c, err)
		return
	}

	saved, err := h.Filaments.SaveNewFilament(c.Request.Context(), principal(c), spool)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// GetFilaments returns the caller's spools
func (h *Handler) GetFilaments(c *gin.Context) {
	spools, err := h.Filaments.ListFilaments(c.Request.Context(), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spools)
}

// StreamFilaments sends the caller's full spool list on every change
func (h *Handler) StreamFilaments(c *gin.Context) {
	ch, err := h.Filaments.LoadFilaments(c.Request.Context(), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	stream(c, "filaments", ch)
}

// GetFilament returns one spool
func (h *Handler) GetFilament(c *gin.Context) {
	spool, err := h.Filaments.LoadFilamentByID(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spool)
}

// UpdateFilament replaces a spool
func (h *Handler) UpdateFilament(c *gin.Context) {
	var spool models.FilamentSpool
	if err := c.ShouldBindJSON(&spool); err != nil {
		badRequest(c, err)
		return
	}
	spool.ID = c.Param("id")

	saved, err := h.Filaments.SaveExistingFilament(c.Request.Context(), principal(c), spool)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// UpdateFilamentWeight sets the remaining grams of a spool
func (h *Handler) UpdateFilamentWeight(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	saved, err := h.Filaments.UpdateFilamentWeight(c.Request.Context(), principal(c), c.Param("id"), *req.Weight)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// UpdateFilamentNfc records whether the spool's tag has been written
func (h *Handler) UpdateFilamentNfc(c *gin.Context) {
	var req nfcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	saved, err := h.Filaments.UpdateFilamentNfcStatus(c.Request.Context(), principal(c), c.Param("id"), *req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// DeleteFilament removes a spool from the caller's inventory
func (h *Handler) DeleteFilament(c *gin.Context) {
	if err := h.Filaments.DeleteFilament(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
