package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/fsm"
	"github.com/pixperk/davlock/pkg/lock"
	"github.com/pixperk/davlock/pkg/patch"
	"github.com/pixperk/davlock/pkg/synccoll"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	storeMemory = "memory"
	storeBolt   = "bolt"
	storeRaft   = "raft"
)

type config struct {
	Listen     string
	GRPCListen string

	Store     string
	DataDir   string
	Root      string
	NodeID    uuid.UUID
	RaftAddr  string
	Bootstrap bool

	NoLocks        bool
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	SyncRetention   int
	PendingGrace    time.Duration
	RecoverInterval time.Duration
	PatchMax        int64
	PatchMaxSize    int64

	LogLevel string
	LogJSON  bool
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "davlock",
		Short:         "davlock serves locked, partially updatable and incrementally syncable resources over WebDAV",
		SilenceErrors: true,
		Example: `
  # in-memory tree and store (tests/dev only)
  davlock --store memory

  # files under /srv/dav, lock and sync state in a bolt file
  davlock --root /srv/dav --store bolt --data-dir /var/lib/davlock

  # single authoritative raft node
  DAVLOCK_STORE=raft DAVLOCK_BOOTSTRAP=true davlock --root /srv/dav
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := loadConfigFile(v); err != nil {
				return err
			}
			cfg, err := configFromViper(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			logger.Info("welcome to davlock", "pid", os.Getpid(), "store", cfg.Store, "listen", cfg.Listen)
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("grpc-listen", ":9000", "gRPC health listen address, empty disables it")
	flags.String("store", storeMemory, "lock and sync state backend: memory, bolt or raft")
	flags.String("data-dir", "./data", "directory for bolt and raft state")
	flags.String("root", "", "directory served as the resource tree, empty keeps resources in memory")
	flags.String("node-id", "", "raft node id (generates a UUID if empty)")
	flags.String("raft-addr", "127.0.0.1:7000", "raft bind address")
	flags.Bool("bootstrap", false, "bootstrap the raft node as a new single node cluster")
	flags.Bool("no-locks", false, "run without a lock provider, LOCK answers 501")
	flags.Duration("default-timeout", lock.DefaultTimeout, "lock timeout when a request names none")
	flags.Duration("max-timeout", 24*time.Hour, "upper bound for requested lock timeouts, 0 disables it")
	flags.Int("sync-retention", fsm.DefaultRetention, "change records kept per collection")
	flags.Duration("pending-grace", synccoll.DefaultPendingGrace, "age after which an unfinished write is recorded by recovery")
	flags.Duration("recover-interval", time.Minute, "how often unfinished writes are recovered, 0 only recovers at startup")
	flags.String("patch-max", humanizeBytes(patch.DefaultMaxPayload), "maximum PATCH payload (e.g. 64MiB)")
	flags.String("patch-max-size", humanizeBytes(patch.DefaultMaxSize), "largest resource a PATCH may produce (e.g. 1GiB)")
	flags.String("log-level", "info", "trace, debug, info, warn or error")
	flags.Bool("log-json", false, "emit JSON logs")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("DAVLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func configFromViper(v *viper.Viper) (config, error) {
	cfg := config{
		Listen:          v.GetString("listen"),
		GRPCListen:      v.GetString("grpc-listen"),
		Store:           strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DataDir:         v.GetString("data-dir"),
		Root:            v.GetString("root"),
		RaftAddr:        v.GetString("raft-addr"),
		Bootstrap:       v.GetBool("bootstrap"),
		NoLocks:         v.GetBool("no-locks"),
		DefaultTimeout:  v.GetDuration("default-timeout"),
		MaxTimeout:      v.GetDuration("max-timeout"),
		SyncRetention:   v.GetInt("sync-retention"),
		PendingGrace:    v.GetDuration("pending-grace"),
		RecoverInterval: v.GetDuration("recover-interval"),
		LogLevel:        v.GetString("log-level"),
		LogJSON:         v.GetBool("log-json"),
	}

	switch cfg.Store {
	case storeMemory, storeBolt, storeRaft:
	default:
		return cfg, fmt.Errorf("unknown store %q, want memory, bolt or raft", cfg.Store)
	}

	if limit := strings.TrimSpace(v.GetString("patch-max")); limit != "" {
		size, err := humanize.ParseBytes(limit)
		if err != nil {
			return cfg, fmt.Errorf("parse patch-max: %w", err)
		}
		cfg.PatchMax = int64(size)
	}
	if limit := strings.TrimSpace(v.GetString("patch-max-size")); limit != "" {
		size, err := humanize.ParseBytes(limit)
		if err != nil {
			return cfg, fmt.Errorf("parse patch-max-size: %w", err)
		}
		cfg.PatchMaxSize = int64(size)
	}

	if id := strings.TrimSpace(v.GetString("node-id")); id != "" {
		nid, err := uuid.Parse(id)
		if err != nil {
			return cfg, fmt.Errorf("invalid node id: %w", err)
		}
		cfg.NodeID = nid
	} else {
		cfg.NodeID = uuid.New()
	}

	if cfg.SyncRetention <= 0 {
		return cfg, fmt.Errorf("sync-retention must be positive")
	}
	return cfg, nil
}

func newLogger(cfg config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "davlock",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
		Output:     os.Stderr,
	})
}
