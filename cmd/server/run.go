package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api"
	"github.com/devadigapratham/spoolshare/api/handlers"
	"github.com/devadigapratham/spoolshare/auth"
	"github.com/devadigapratham/spoolshare/config"
	"github.com/devadigapratham/spoolshare/inventory"
	"github.com/devadigapratham/spoolshare/notify"
	"github.com/devadigapratham/spoolshare/raft"
	"github.com/devadigapratham/spoolshare/sessions"
)

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store     *raft.Store
		cluster   raft.Cluster
		node      *raft.Node
		transport *raft.Transport
	)
	nodeID := cfg.NodeID
	if cfg.Standalone {
		if nodeID == "" {
			nodeID = "standalone"
		}
		log.Warn("running standalone, documents are kept in memory only")
		store = raft.NewLocalStore()
		cluster = raft.Standalone{}
	} else {
		var err error
		node, err = raft.NewNode(&raft.Config{
			NodeID:    cfg.NodeID,
			RaftAddr:  cfg.RaftAddr,
			RaftDir:   cfg.RaftDir,
			Bootstrap: cfg.Bootstrap,
			Peers:     cfg.Peers,
			LogLevel:  cfg.LogLevel,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create Raft node")
		}
		store = raft.NewNodeStore(node)
		if cfg.ClusterSecret == "" {
			log.Warn("no cluster secret set, /raft join and leave are unauthenticated")
		}
		transport = raft.NewTransport(node, store, raft.WithClusterSecret(cfg.ClusterSecret))
		cluster = transport
	}

	alerts, closeAlerts := setupAlerts(ctx, cfg)
	defer closeAlerts()

	handler := handlers.NewHandler(
		nodeID,
		inventory.NewManager(store, alerts, cfg.AlertLeadTime),
		sessions.NewManager(store),
		cluster,
		auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
	)
	router := api.SetupRouter(handler)
	if transport != nil {
		transport.Register(router.Group("/raft"))
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if transport != nil {
		go joinCluster(ctx, cfg, node, transport)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.WithError(err).Error("HTTP server failed")
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error shutting down HTTP server")
	}
	if node != nil {
		if err := node.Shutdown(); err != nil {
			log.WithError(err).Warn("error shutting down Raft node")
		}
	}
	log.Info("shutdown complete")
	return nil
}

// setupAlerts picks the redis scheduler when configured and starts its
// dispatch job. The returned func releases the redis client.
func setupAlerts(ctx context.Context, cfg *config.Config) (notify.Scheduler, func()) {
	if cfg.RedisAddr == "" {
		log.Info("no redis configured, expiration alerts are only logged")
		return notify.LogScheduler{}, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis not reachable yet, alerts will be retried")
	}

	scheduler := notify.NewRedisScheduler(client)
	notify.StartDispatchJob(ctx, scheduler, notify.LogDeliver, cfg.AlertPollInterval)
	return scheduler, func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("error closing redis client")
		}
	}
}

// joinCluster joins through cfg.JoinAddr when set, then records this node's
// HTTP address once it is the leader of a bootstrapped cluster.
func joinCluster(ctx context.Context, cfg *config.Config, node *raft.Node, transport *raft.Transport) {
	if cfg.JoinAddr != "" && !cfg.Bootstrap {
		log.WithField("join", cfg.JoinAddr).Info("joining cluster")
		err := transport.JoinCluster(ctx, cfg.JoinAddr, raft.JoinRequest{
			NodeID:   cfg.NodeID,
			RaftAddr: cfg.RaftAddr,
			HTTPAddr: cfg.HTTPAddr,
		})
		if err != nil {
			log.WithError(err).Error("failed to join cluster")
		}
		return
	}

	if err := node.WaitForLeader(ctx); err != nil {
		log.WithError(err).Warn("no leader elected")
		return
	}
	if !node.Leader() {
		return
	}
	if err := transport.RegisterNode(ctx, cfg.NodeID, cfg.RaftAddr, cfg.HTTPAddr); err != nil {
		log.WithError(err).Warn("failed to register node address")
	}
}
