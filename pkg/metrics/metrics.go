package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RaftTerm is the current term of this replica.
	RaftTerm = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_raft_term",
			Help: "Current raft term of the replica",
		},
		[]string{"replica"},
	)

	RaftRole = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_raft_role",
			Help: "Current raft role of the replica (1 for the active role)",
		},
		[]string{"replica", "role"},
	)

	RaftElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_raft_elections_total",
			Help: "Elections started by the replica",
		},
		[]string{"replica"},
	)

	RaftCommitIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
		[]string{"replica"},
	)

	// TaskTotal counts task state transitions.
	TaskTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_task_total",
			Help: "Task state transitions",
		},
		[]string{"kind", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_task_duration_seconds",
			Help:    "Time from task start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"kind", "state"},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_dispatch_total",
			Help: "Work descriptors pushed to workers",
		},
		[]string{"type", "outcome"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_jobs_processed_total",
			Help: "Durable queue jobs processed",
		},
		[]string{"queue", "outcome"},
	)

	ConsensusOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_consensus_outcomes_total",
			Help: "Byzantine consensus evaluations",
		},
		[]string{"outcome"},
	)

	WorkerReputation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_worker_reputation",
			Help: "Worker reputation score",
		},
		[]string{"worker_id"},
	)

	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_workers",
			Help: "Known workers by status",
		},
		[]string{"status"},
	)
)
