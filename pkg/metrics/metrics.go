package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency - histogram to track p50/p90/p99
	// covers the read, the conflict check and the compare-and-swap
	// labels: scope (exclusive/shared)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "davlock_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"scope"},
	)

	// lock acquisition counter
	// labels: result (acquired/renewed/locked/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_lock_acquire_total",
			Help: "total number of lock requests",
		},
		[]string{"result"},
	)

	// lock release counter, labels: result (released/absent/error)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_lock_release_total",
			Help: "total number of unlock requests",
		},
		[]string{"result"},
	)

	// compare-and-swap races lost against another worker
	// a steady rate here means clients fight over the same resources
	LockSwapConflictTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "davlock_lock_swap_conflict_total",
			Help: "total number of lock set version mismatches",
		},
	)

	// partial updates, labels: result (ok or the error kind)
	PatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_patch_total",
			Help: "total number of partial update requests",
		},
		[]string{"result"},
	)

	PatchBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "davlock_patch_bytes",
			Help:    "payload size of applied partial updates",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MiB
		},
	)

	// sync-collection queries
	// labels: mode (full/incremental), result (ok/truncated/invalid_token/error)
	SyncQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_sync_query_total",
			Help: "total number of sync-collection queries",
		},
		[]string{"mode", "result"},
	)

	// change records appended, labels: kind (added/modified/deleted)
	SyncChangeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_sync_change_total",
			Help: "total number of change records committed",
		},
		[]string{"kind"},
	)

	// pending markers committed by recovery instead of by their writer
	// anything above zero means a writer died between content write and commit
	SyncRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "davlock_sync_recovered_total",
			Help: "total number of pending changes committed by recovery",
		},
	)

	// content changed but its change record never made it to the log
	// labels: method (PUT/DELETE/MKCOL/LOCK/PATCH)
	SyncCommitFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_sync_commit_failed_total",
			Help: "total number of writes whose change record could not be committed",
		},
		[]string{"method"},
	)

	// conditional request evaluation, labels: result (pass/fail/skipped)
	PreconditionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_precondition_total",
			Help: "total number of If header evaluations",
		},
		[]string{"result"},
	)

	// http requests, labels: method, status
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davlock_http_requests_total",
			Help: "total number of http requests",
		},
		[]string{"method", "status"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "davlock_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "davlock_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "davlock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
