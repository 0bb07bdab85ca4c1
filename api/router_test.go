package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devadigapratham/spoolshare/api/handlers"
	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/auth"
	"github.com/devadigapratham/spoolshare/inventory"
	"github.com/devadigapratham/spoolshare/notify"
	"github.com/devadigapratham/spoolshare/raft"
	"github.com/devadigapratham/spoolshare/sessions"
)

const (
	testSecret = "test-secret"
	testIssuer = "spoolshare-test"
)

type follower struct{}

func (follower) Leader() bool              { return false }
func (follower) LeaderHTTPAddress() string { return "10.0.0.2:8000" }
func (follower) State() string             { return "Follower" }

func newTestRouter(t *testing.T, cluster raft.Cluster) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := raft.NewLocalStore()
	handler := handlers.NewHandler("node-1",
		inventory.NewManager(store, notify.LogScheduler{}, 0),
		sessions.NewManager(store),
		cluster,
		auth.NewVerifier(testSecret, testIssuer),
	)
	return SetupRouter(handler)
}

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := auth.NewAccessToken(testSecret, testIssuer, uid, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, router *gin.Engine, uid, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error
}

func TestRequiresAuthentication(t *testing.T) {
	router := newTestRouter(t, raft.Standalone{})

	rec := do(t, router, "", http.MethodGet, "/api/v1/filaments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_authenticated", errorOf(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/filaments", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFilamentEndpoints(t *testing.T) {
	router := newTestRouter(t, raft.Standalone{})

	rec := do(t, router, "alice", http.MethodPost, "/api/v1/filaments", map[string]interface{}{
		"type":            "PLA",
		"brand":           "Polymaker",
		"weight":          1000,
		"color":           "FF00FF00",
		"expiration_date": "2027-01-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.FilamentSpool
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusClosed, created.Status)
	assert.Equal(t, models.Color{A: 0xFF, G: 0xFF}, created.Color)

	rec = do(t, router, "alice", http.MethodPatch, "/api/v1/filaments/"+created.ID+"/weight", map[string]int{"weight": 820})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, "alice", http.MethodPatch, "/api/v1/filaments/"+created.ID+"/weight", map[string]int{"weight": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_weight", errorOf(t, rec))

	rec = do(t, router, "alice", http.MethodPatch, "/api/v1/filaments/"+created.ID+"/nfc", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "alice", http.MethodGet, "/api/v1/filaments/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.FilamentSpool
	decode(t, rec, &got)
	assert.Equal(t, 820, got.Weight)
	assert.True(t, got.ActiveNFC)

	rec = do(t, router, "alice", http.MethodPost, "/api/v1/filaments", map[string]interface{}{"type": "PLA", "color": "purple"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "bob", http.MethodGet, "/api/v1/filaments/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, "alice", http.MethodDelete, "/api/v1/filaments/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, "alice", http.MethodGet, "/api/v1/filaments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.FilamentSpool
	decode(t, rec, &list)
	assert.Empty(t, list)
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t, raft.Standalone{})

	rec := do(t, router, "A", http.MethodPost, "/api/v1/sessions", map[string]string{"name": "bench"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session models.Session
	decode(t, rec, &session)

	rec = do(t, router, "B", http.MethodPost, "/api/v1/sessions/join", map[string]string{"access_code": session.AccessCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, "B", http.MethodPost, "/api/v1/sessions/join", map[string]string{"access_code": session.AccessCode})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_member", errorOf(t, rec))

	base := "/api/v1/sessions/" + session.ID
	rec = do(t, router, "A", http.MethodPost, base+"/filaments", map[string]interface{}{"filament_id": "F1", "original_weight": 1000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, "C", http.MethodPost, base+"/filaments", map[string]interface{}{"filament_id": "F2", "original_weight": 10})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, "B", http.MethodPatch, base+"/filaments/F1/weight", map[string]int{"weight": 400})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, "B", http.MethodPatch, base+"/filaments/F1/weight", map[string]int{"weight": -50})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_weight", errorOf(t, rec))

	rec = do(t, router, "B", http.MethodPost, base+"/print_jobs", map[string]interface{}{"filament_id": "F1", "print_weight_in_grams": 500})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, router, "B", http.MethodPost, base+"/print_jobs", map[string]interface{}{"filament_id": "F1", "print_weight_in_grams": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job models.PrintJob
	decode(t, rec, &job)

	rec = do(t, router, "B", http.MethodPost, base+"/print_jobs/"+job.ID+"/status?status=Done", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status_transition", errorOf(t, rec))

	rec = do(t, router, "A", http.MethodPost, base+"/leave", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result sessions.LeaveResult
	decode(t, rec, &result)
	assert.Equal(t, "B", result.NewOwner)
	assert.Equal(t, []string{"F1"}, result.RemovedFilaments)

	rec = do(t, router, "B", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &session)
	assert.Equal(t, "B", session.OwnerID)
	assert.Equal(t, []string{"B"}, session.Participants)
	assert.Empty(t, session.Filaments)

	rec = do(t, router, "B", http.MethodGet, base+"/print_jobs?status=Canceled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []models.PrintJob
	decode(t, rec, &jobs)
	assert.Len(t, jobs, 1)

	rec = do(t, router, "B", http.MethodPost, base+"/leave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, "B", http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session_not_found", errorOf(t, rec))
}

func TestFollowerRejectsWrites(t *testing.T) {
	router := newTestRouter(t, follower{})

	rec := do(t, router, "alice", http.MethodPost, "/api/v1/sessions", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "10.0.0.2:8000", body["leader"])

	rec = do(t, router, "alice", http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	router := newTestRouter(t, raft.Standalone{})

	rec := do(t, router, "", http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	decode(t, rec, &status)
	assert.Equal(t, "node-1", status["node_id"])
	assert.Equal(t, true, status["is_leader"])
	assert.Equal(t, "Standalone", status["state"])

	do(t, router, "alice", http.MethodGet, "/api/v1/filaments", nil)
	rec = do(t, router, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spoolshare_store_operations_total")
}
