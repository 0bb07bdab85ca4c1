package raft

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
)

const defaultApplyTimeout = 5 * time.Second

// Node represents a node in the Raft cluster
type Node struct {
	id        string
	raft      *raft.Raft
	fsm       *FSM
	transport raft.Transport
	closers   []func() error
}

// Config represents the configuration for a Raft node
type Config struct {
	NodeID    string
	RaftAddr  string
	RaftDir   string
	Bootstrap bool
	Peers     []string
	// InMemory keeps logs, snapshots and transport in memory. Used by tests.
	InMemory bool
	LogLevel string
}

// NewNode creates a new Raft node
func NewNode(config *Config) (*Node, error) {
	fsm := NewFSM()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(config.NodeID)
	raftConfig.SnapshotInterval = 20 * time.Second
	raftConfig.SnapshotThreshold = 1024
	raftConfig.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: log.StandardLogger().Writer(),
	})

	node := &Node{id: config.NodeID, fsm: fsm}

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		addr          raft.ServerAddress
	)
	if config.InMemory {
		raftConfig.HeartbeatTimeout = 50 * time.Millisecond
		raftConfig.ElectionTimeout = 50 * time.Millisecond
		raftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
		raftConfig.CommitTimeout = 5 * time.Millisecond

		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshotStore = raft.NewInmemSnapshotStore()
		addr, node.transport = raft.NewInmemTransport(raft.ServerAddress(config.RaftAddr))
	} else {
		if err := os.MkdirAll(config.RaftDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create raft directory")
		}

		boltLogs, err := raftboltdb.NewBoltStore(filepath.Join(config.RaftDir, "raft-log.db"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create BoltDB log store")
		}
		node.closers = append(node.closers, boltLogs.Close)

		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(config.RaftDir, "raft-stable.db"))
		if err != nil {
			node.close()
			return nil, errors.Wrap(err, "failed to create BoltDB stable store")
		}
		node.closers = append(node.closers, boltStable.Close)
		logStore, stableStore = boltLogs, boltStable

		snapshotStore, err = raft.NewFileSnapshotStore(config.RaftDir, 3, log.StandardLogger().Writer())
		if err != nil {
			node.close()
			return nil, errors.Wrap(err, "failed to create snapshot store")
		}

		tcpAddr, err := net.ResolveTCPAddr("tcp", config.RaftAddr)
		if err != nil {
			node.close()
			return nil, errors.Wrap(err, "failed to resolve TCP address")
		}
		tcp, err := raft.NewTCPTransport(config.RaftAddr, tcpAddr, 3, 10*time.Second, log.StandardLogger().Writer())
		if err != nil {
			node.close()
			return nil, errors.Wrap(err, "failed to create TCP transport")
		}
		node.transport = tcp
		addr = tcp.LocalAddr()
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, node.transport)
	if err != nil {
		node.close()
		return nil, errors.Wrap(err, "failed to create Raft instance")
	}
	node.raft = r

	if config.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(config.NodeID),
				Address: addr,
			}},
		}
		for _, peer := range config.Peers {
			id, peerAddr := parsePeer(peer)
			if peerAddr != config.RaftAddr {
				configuration.Servers = append(configuration.Servers, raft.Server{
					ID:      raft.ServerID(id),
					Address: raft.ServerAddress(peerAddr),
				})
			}
		}

		f := r.BootstrapCluster(configuration)
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			_ = node.Shutdown()
			return nil, errors.Wrap(err, "failed to bootstrap cluster")
		}
	}

	return node, nil
}

// parsePeer splits an "id=addr" peer. A bare address gets the id "node-<addr>".
func parsePeer(peer string) (string, string) {
	if i := strings.Index(peer, "="); i > 0 {
		return peer[:i], peer[i+1:]
	}
	return "node-" + peer, peer
}

// Apply replicates a command through the Raft log and returns the FSM's answer
func (n *Node) Apply(ctx context.Context, cmd *models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cmd.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to marshal command")
	}

	timeout := defaultApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return errors.Wrap(err, "failed to apply command to Raft log")
	}

	if appErr, ok := future.Response().(error); ok && appErr != nil {
		return appErr
	}
	return nil
}

// GetFSM returns the FSM
func (n *Node) GetFSM() *FSM {
	return n.fsm
}

// ID returns the local server id
func (n *Node) ID() string {
	return n.id
}

// Leader returns true if this node is the leader
func (n *Node) Leader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddress returns the raft address of the current leader
func (n *Node) LeaderAddress() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the server id of the current leader
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// State returns the current state of the Raft node
func (n *Node) State() raft.RaftState {
	return n.raft.State()
}

// WaitForLeader blocks until the cluster has a leader or ctx ends
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n.LeaderAddress() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "no leader elected")
		case <-ticker.C:
		}
	}
}

// AddVoter adds a server to the cluster. Only the leader may call it.
func (n *Node) AddVoter(id, addr string) error {
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

// RemoveServer removes a server from the cluster. Only the leader may call it.
func (n *Node) RemoveServer(id string) error {
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

// Shutdown stops the Raft node and closes its stores
func (n *Node) Shutdown() error {
	var err error
	if n.raft != nil {
		err = n.raft.Shutdown().Error()
	}
	if closer, ok := n.transport.(raft.WithClose); ok {
		_ = closer.Close()
	}
	n.close()
	return err
}

func (n *Node) close() {
	for _, c := range n.closers {
		if err := c(); err != nil {
			log.WithError(err).Warn("failed to close raft store")
		}
	}
	n.closers = nil
}
