package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/auth"
	"github.com/devadigapratham/spoolshare/inventory"
	"github.com/devadigapratham/spoolshare/raft"
	"github.com/devadigapratham/spoolshare/sessions"
)

const principalKey = "principal"

// Handler represents the API handlers
type Handler struct {
	NodeID    string
	Filaments *inventory.Manager
	Sessions  *sessions.Manager
	Cluster   raft.Cluster
	Verifier  *auth.Verifier
}

// NewHandler creates a new Handler
func NewHandler(nodeID string, filaments *inventory.Manager, sessions *sessions.Manager, cluster raft.Cluster, verifier *auth.Verifier) *Handler {
	return &Handler{
		NodeID:    nodeID,
		Filaments: filaments,
		Sessions:  sessions,
		Cluster:   cluster,
		Verifier:  verifier,
	}
}

// RaftLeaderMiddleware rejects writes on followers and points the client at the leader
func (h *Handler) RaftLeaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Only apply to write operations
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			if !h.Cluster.Leader() {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":  "not the leader",
					"leader": h.Cluster.LeaderHTTPAddress(),
				})
				return
			}
		}
		c.Next()
	}
}

// AuthMiddleware resolves the bearer token into the caller's principal
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := h.Verifier.Principal(auth.BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			log.WithError(err).WithField("path", c.FullPath()).Debug("rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
			return
		}
		c.Set(principalKey, uid)
		c.Next()
	}
}

// Status reports this node's view of the cluster
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id":     h.NodeID,
		"is_leader":   h.Cluster.Leader(),
		"leader_addr": h.Cluster.LeaderHTTPAddress(),
		"state":       h.Cluster.State(),
	})
}

func principal(c *gin.Context) string {
	return c.GetString(principalKey)
}

// errorCode maps a manager error to an HTTP status and a stable error code
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, models.ErrFilamentNotFound):
		return http.StatusNotFound, "filament_not_found"
	case errors.Is(err, models.ErrPrintJobNotFound):
		return http.StatusNotFound, "print_job_not_found"
	case errors.Is(err, models.ErrAlreadyMember):
		return http.StatusConflict, "already_member"
	case errors.Is(err, models.ErrFilamentInSession):
		return http.StatusConflict, "filament_in_session"
	case errors.Is(err, models.ErrNotMember):
		return http.StatusForbidden, "not_member"
	case errors.Is(err, models.ErrInvalidWeight):
		return http.StatusBadRequest, "invalid_weight"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, models.ErrInvalidStatusTransition):
		return http.StatusBadRequest, "invalid_status_transition"
	case errors.Is(err, models.ErrInsufficientFilament):
		return http.StatusUnprocessableEntity, "insufficient_filament"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrParseFailure):
		return http.StatusUnprocessableEntity, "parse_failure"
	case errors.Is(err, models.ErrAccessCodeExhausted), errors.Is(err, models.ErrStoreFailure):
		return http.StatusServiceUnavailable, "store_failure"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": code, "message": models.Reason(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
}

// stream writes every value of ch as a server-sent event until the channel
// closes or the client goes away
func stream[T any](c *gin.Context, event string, ch <-chan T) {
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(_ io.Writer) bool {
		select {
		case v, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(event, v)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
