package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"VeriMesh/internal/admin"
	"VeriMesh/internal/aggregation"
	"VeriMesh/internal/api"
	"VeriMesh/internal/archive"
	"VeriMesh/internal/audit"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/mesh"
	"VeriMesh/internal/recovery"
	"VeriMesh/internal/report"
	"VeriMesh/internal/storage"
)

// Node represents a running VeriMesh node.
type Node struct {
	cfg *Config

	storage   *storage.Storage
	store     *jobstore.Store
	arch      *archive.Archive
	sink      audit.Sink
	feed      *report.Feed
	reporter  *report.Reporter
	agg       *aggregation.Aggregator
	control   *admin.Control
	mesh      *mesh.Node
	transport *mesh.QUICTransport
	solicitor *mesh.Solicitor
	api       *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{cfg: cfg, ctx: ctx, cancel: cancel}

	if err := n.initStorage(); err != nil {
		cancel()
		return nil, err
	}

	if err := n.initAudit(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initAggregation(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initMesh(); err != nil {
		n.Close()
		return nil, err
	}

	n.initAdmin()
	n.initAPI()

	return n, nil
}

// initStorage initializes the Pebble storage and the stores over it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.store = jobstore.New(db)
	n.arch = archive.New(db)
	n.feed = report.NewFeed()
	n.reporter = report.NewReporter(n.store)

	return nil
}

// initAudit initializes the append-only audit sink.
func (n *Node) initAudit() error {
	sink, err := audit.NewFileSink(n.cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("init audit sink:\n%w", err)
	}

	n.sink = sink

	return nil
}

// initAggregation initializes the vote aggregator. The verdict signer is
// derived from the node's ed25519 identity so restarts keep the same
// signing key. The participant key directory is optional.
func (n *Node) initAggregation() error {
	signer, err := aggregation.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive BLS signer:\n%w", err)
	}

	keys := aggregation.NewKeyDirectory()
	if n.cfg.KeyDirectoryPath != "" {
		keys, err = aggregation.LoadKeyDirectory(n.cfg.KeyDirectoryPath)
		if err != nil {
			return fmt.Errorf("load key directory:\n%w", err)
		}
	}

	n.agg = aggregation.New(n.store, signer, keys, n.sink, n.arch, n.feed)

	if n.cfg.DenyRevision {
		n.agg.SetRevisionPolicy(aggregation.RevisionDenied)
	}

	return nil
}

// initMesh initializes the QUIC mesh, its transport and the solicitor.
func (n *Node) initMesh() error {
	node, err := mesh.NewNode(mesh.NodeConfig{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init mesh:\n%w", err)
	}

	n.mesh = node
	n.transport = mesh.NewQUICTransport(node)

	if n.cfg.ParticipantsPath != "" {
		if err := n.loadParticipants(); err != nil {
			return err
		}
	}

	n.solicitor = mesh.NewSolicitor(n.store, n.agg, n.transport, mesh.DefaultSolicitorConfig())

	return nil
}

// loadParticipants reads the address book JSON file mapping participant
// IDs to mesh addresses and registers each with the transport.
func (n *Node) loadParticipants() error {
	data, err := os.ReadFile(n.cfg.ParticipantsPath)
	if err != nil {
		return fmt.Errorf("read participant address book:\n%w", err)
	}

	var addrs map[string]string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return fmt.Errorf("parse participant address book:\n%w", err)
	}

	for id, addr := range addrs {
		n.transport.RegisterParticipant(id, addr)
	}

	logger.Info("participant address book loaded", "participants", len(addrs))

	return nil
}

// initAdmin initializes the operator override surface.
func (n *Node) initAdmin() {
	allow := admin.AllowList{}
	for _, actor := range strings.Split(n.cfg.Operators, ",") {
		if actor = strings.TrimSpace(actor); actor != "" {
			allow[actor] = true
		}
	}

	n.control = admin.New(n.store, allow, n.agg, n.sink, n.feed)
}

// initAPI initializes the HTTP API server.
func (n *Node) initAPI() {
	n.api = api.New(n.cfg.HTTPAddress, n.store, n.agg, n.control, n.solicitor, n.reporter, n.feed, n.sink)
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.mesh.Start(); err != nil {
		return fmt.Errorf("start mesh:\n%w", err)
	}

	// Resume jobs left RUNNING by the previous process before the API
	// starts accepting new work.
	coord := recovery.New(n.store, n.solicitor, n.sink, n.feed)
	if _, err := coord.ResumeInflight(n.ctx); err != nil {
		return fmt.Errorf("resume in-flight jobs:\n%w", err)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	go n.retentionLoop()

	return n.waitForShutdown()
}

// retentionLoop periodically prunes canceled jobs past the grace period
// and logs RUNNING jobs that cannot progress without an operator.
// RUNNING jobs are never pruned, no matter how old.
func (n *Node) retentionLoop() {
	ticker := time.NewTicker(n.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned, err := n.store.PruneCanceled(n.cfg.PruneGrace)
			if err != nil {
				logger.Error("retention pass failed", "error", err)
				continue
			}

			if pruned > 0 {
				logger.Info("pruned canceled jobs", "count", pruned)
			}

			n.warnStalled()

		case <-n.ctx.Done():
			return
		}
	}
}

// warnStalled logs every RUNNING job stuck behind exhausted solicitation.
func (n *Node) warnStalled() {
	stalled, err := n.reporter.Stalled()
	if err != nil {
		logger.Error("stalled scan failed", "error", err)
		return
	}

	for _, j := range stalled {
		logger.Warn("job stalled, operator intervention needed",
			"job", j.ID,
			"affirmative", j.AffirmativeCount(),
			"quorum_k", j.QuorumK,
			"age", time.Since(j.StartedAt).Round(time.Second),
		)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}

	if n.solicitor != nil {
		n.solicitor.Close()
	}

	if n.mesh != nil {
		n.mesh.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
