package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/gateway"
	"github.com/pixperk/davlock/pkg/lock"
	"github.com/pixperk/davlock/pkg/metrics"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/patch"
	"github.com/pixperk/davlock/pkg/precondition"
	"github.com/pixperk/davlock/pkg/raft"
	"github.com/pixperk/davlock/pkg/server"
	"github.com/pixperk/davlock/pkg/storage"
	"github.com/pixperk/davlock/pkg/store"
	"github.com/pixperk/davlock/pkg/synccoll"
	"golang.org/x/sync/errgroup"
)

// the assembled backend plus what the process needs to run and stop it
type backend struct {
	store.Backend
	ready  func(ctx context.Context) error
	closer io.Closer
	// runs alongside the servers, nil when nothing needs watching
	watch func(ctx context.Context)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openBackend(cfg config, logger hclog.Logger) (*backend, error) {
	switch cfg.Store {
	case storeBolt:
		bs, err := storage.OpenBoltStore(cfg.DataDir, cfg.SyncRetention)
		if err != nil {
			return nil, err
		}
		return &backend{
			Backend: store.NewBackend(bs, bs),
			ready:   func(context.Context) error { return nil },
			closer:  bs,
		}, nil

	case storeRaft:
		n, err := raft.NewNode(&raft.Config{
			NodeID:    cfg.NodeID,
			BindAddr:  cfg.RaftAddr,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.Bootstrap,
			Retention: cfg.SyncRetention,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create raft node: %w", err)
		}
		if err := n.WaitForLeader(10 * time.Second); err != nil {
			n.Shutdown()
			return nil, err
		}
		logger.Info("raft node ready", "node_id", n.GetNodeID().String(), "leader", n.GetLeader())
		return &backend{
			Backend: store.NewBackend(n, n),
			ready: func(context.Context) error {
				if !n.IsLeader() {
					return fmt.Errorf("not leader, leader is at %q", n.GetLeader())
				}
				return nil
			},
			closer: closerFunc(n.Shutdown),
			watch: func(ctx context.Context) {
				watchRaft(ctx, n)
			},
		}, nil

	default:
		mem := store.NewMemory(fsm.Options{Retention: cfg.SyncRetention})
		return &backend{
			Backend: mem,
			ready:   func(context.Context) error { return nil },
			closer:  closerFunc(func() error { return nil }),
		}, nil
	}
}

func watchRaft(ctx context.Context, n *raft.Node) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if n.IsLeader() {
			metrics.RaftIsLeader.Set(1)
		} else {
			metrics.RaftIsLeader.Set(0)
		}
		metrics.RaftAppliedIndex.Set(float64(n.AppliedIndex()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openTree(cfg config) (node.Tree, error) {
	if cfg.Root == "" {
		return node.NewMemoryTree(node.MemoryOptions{}), nil
	}
	return node.NewDiskTree(cfg.Root)
}

func run(ctx context.Context, cfg config, logger hclog.Logger) error {
	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer be.closer.Close()

	backend := store.WithLogging(be.Backend, logger)

	tree, err := openTree(cfg)
	if err != nil {
		return fmt.Errorf("open resource tree: %w", err)
	}

	registry := lock.NewRegistry()
	if !cfg.NoLocks {
		if err := registry.Register(cfg.Store, backend); err != nil {
			return err
		}
	}
	registry.Freeze()

	locks := lock.NewManager(registry, lock.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		Logger:         logger,
	})
	syncSvc := synccoll.New(tree, backend, synccoll.Config{
		PendingGrace: cfg.PendingGrace,
		Logger:       logger,
	})

	//writes interrupted by the previous process get their change records now
	if _, err := syncSvc.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending changes: %w", err)
	}

	validator := precondition.NewValidator(locks, syncSvc, tree, logger)
	patcher := patch.NewHandler(tree, locks, syncSvc, patch.Config{
		MaxPayload: cfg.PatchMax,
		MaxSize:    cfg.PatchMaxSize,
		Logger:     logger,
	})

	handler := server.NewServer(server.Config{
		Tree:      tree,
		Locks:     locks,
		Sync:      syncSvc,
		Validator: validator,
		Patch:     patcher,
		Logger:    logger,
	})

	gw := gateway.NewServer(gateway.Config{
		HTTPAddr: cfg.Listen,
		GRPCAddr: cfg.GRPCListen,
		Handler:  handler,
		Ready:    be.ready,
		Logger:   logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Run(ctx)
	})
	if be.watch != nil {
		g.Go(func() error {
			be.watch(ctx)
			return nil
		})
	}
	if cfg.RecoverInterval > 0 {
		g.Go(func() error {
			recoverLoop(ctx, syncSvc, cfg.RecoverInterval, logger)
			return nil
		})
	}

	logger.Info("davlock is ready", "lock_provider", registry.Name())
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func recoverLoop(ctx context.Context, svc *synccoll.Service, every time.Duration, logger hclog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Recover(ctx); err != nil {
				logger.Error("pending change recovery failed", "error", err)
			}
		}
	}
}
