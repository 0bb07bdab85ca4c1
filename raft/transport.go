package raft

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
)

// Cluster reports where writes must be sent
type Cluster interface {
	Leader() bool
	LeaderHTTPAddress() string
	State() string
}

// Standalone is the Cluster of a single unreplicated process
type Standalone struct{}

// Leader always returns true
func (Standalone) Leader() bool { return true }

// LeaderHTTPAddress returns "", there is no other node
func (Standalone) LeaderHTTPAddress() string { return "" }

func (Standalone) State() string { return "Standalone" }

// ClusterSecretHeader carries the shared cluster secret on /raft requests
const ClusterSecretHeader = "X-Cluster-Secret"

// Transport handles cluster membership over HTTP and keeps the registry of
// node HTTP addresses used to point clients at the leader
type Transport struct {
	node   *Node
	store  *Store
	client *http.Client
	secret string
}

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithClusterSecret requires secret on incoming join and leave requests and
// sends it on outgoing ones. An empty secret leaves the endpoints open.
func WithClusterSecret(secret string) TransportOption {
	return func(t *Transport) { t.secret = secret }
}

// NewTransport creates a new Transport
func NewTransport(node *Node, store *Store, opts ...TransportOption) *Transport {
	t := &Transport{
		node:   node,
		store:  store,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// JoinRequest is the body of a cluster join
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	HTTPAddr string `json:"http_addr"`
}

// LeaveRequest is the body of a cluster leave
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// Register mounts the cluster endpoints on group
func (t *Transport) Register(group *gin.RouterGroup) {
	group.Use(t.requireSecret)
	group.POST("/join", t.handleJoin)
	group.POST("/leave", t.handleLeave)
}

func (t *Transport) requireSecret(c *gin.Context) {
	if t.secret == "" {
		c.Next()
		return
	}
	given := c.GetHeader(ClusterSecretHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(t.secret)) != 1 {
		log.WithField("remote", c.ClientIP()).Warn("rejected cluster request without a valid secret")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_cluster_secret"})
		return
	}
	c.Next()
}

func (t *Transport) handleJoin(c *gin.Context) {
	if !t.node.Leader() {
		c.JSON(http.StatusConflict, gin.H{"error": "not the leader", "leader": t.LeaderHTTPAddress()})
		return
	}

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" || req.RaftAddr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := t.node.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		log.WithError(err).WithField("node_id", req.NodeID).Error("failed to add voter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := t.RegisterNode(c.Request.Context(), req.NodeID, req.RaftAddr, req.HTTPAddr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.WithFields(log.Fields{"node_id": req.NodeID, "raft_addr": req.RaftAddr}).Info("node joined cluster")
	c.Status(http.StatusOK)
}

func (t *Transport) handleLeave(c *gin.Context) {
	if !t.node.Leader() {
		c.JSON(http.StatusConflict, gin.H{"error": "not the leader", "leader": t.LeaderHTTPAddress()})
		return
	}

	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := t.node.RemoveServer(req.NodeID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := t.store.Delete(c.Request.Context(), models.ClusterNodePath(req.NodeID)); err != nil {
		log.WithError(err).WithField("node_id", req.NodeID).Warn("failed to drop node from registry")
	}

	log.WithField("node_id", req.NodeID).Info("node left cluster")
	c.Status(http.StatusOK)
}

// RegisterNode records the HTTP address of a node in the replicated registry
func (t *Transport) RegisterNode(ctx context.Context, nodeID, raftAddr, httpAddr string) error {
	return t.store.Set(ctx, models.ClusterNodePath(nodeID), models.ClusterNode{
		NodeID:   nodeID,
		RaftAddr: raftAddr,
		HTTPAddr: httpAddr,
	})
}

// Leader returns true if the local node is the leader
func (t *Transport) Leader() bool {
	return t.node.Leader()
}

// State returns the raft state of the local node
func (t *Transport) State() string {
	return t.node.State().String()
}

// LeaderHTTPAddress returns the HTTP address of the leader, or "" if unknown
func (t *Transport) LeaderHTTPAddress() string {
	id := t.node.LeaderID()
	if id == "" {
		return ""
	}
	doc, ok := t.store.FSM().Get(models.ClusterNodePath(id))
	if !ok {
		return ""
	}
	var info models.ClusterNode
	if err := doc.DataTo(&info); err != nil {
		return ""
	}
	return info.HTTPAddr
}

// JoinCluster asks the node at joinAddr to add this node. A follower answers
// with the leader's address, in which case the request is sent there once.
func (t *Transport) JoinCluster(ctx context.Context, joinAddr string, req JoinRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	leader, err := t.post(ctx, joinAddr, "/raft/join", body)
	if err == nil {
		return nil
	}
	if leader == "" {
		return err
	}
	_, err = t.post(ctx, leader, "/raft/join", body)
	return err
}

// LeaveCluster asks the node at addr to remove nodeID from the cluster
func (t *Transport) LeaveCluster(ctx context.Context, addr, nodeID string) error {
	body, err := json.Marshal(LeaveRequest{NodeID: nodeID})
	if err != nil {
		return err
	}
	leader, err := t.post(ctx, addr, "/raft/leave", body)
	if err != nil && leader != "" {
		_, err = t.post(ctx, leader, "/raft/leave", body)
	}
	return err
}

// post sends body to addr+path. On a 409 it returns the leader address the
// peer reported together with an error.
func (t *Transport) post(ctx context.Context, addr, path string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(addr)+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		req.Header.Set(ClusterSecretHeader, t.secret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return "", nil
	}

	var payload struct {
		Error  string `json:"error"`
		Leader string `json:"leader"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	err = errors.Errorf("%s%s: %d %s", addr, path, resp.StatusCode, payload.Error)
	if resp.StatusCode == http.StatusConflict {
		return payload.Leader, err
	}
	return "", err
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}
