package worker

import (
	"slices"
	"time"
)

const (
	aliveTimeout = 10 * time.Second

	// DefaultReleaseThreshold is the concurrent load below which a worker returns to Online.
	DefaultReleaseThreshold = 2
	// DefaultCPUCeiling is the cpu usage percentage above which a worker is not a candidate.
	DefaultCPUCeiling = 95.0
)

type Status string

const (
	Online  Status = "Online"
	Idle    Status = "Idle"
	Busy    Status = "Busy"
	Offline Status = "Offline"
	Syncing Status = "Syncing"
)

type Specs struct {
	CPUCores int     `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
	GPU      bool    `json:"gpu"`
	GPUModel string  `json:"gpu_model,omitempty"`
}

// Metrics are self-reported by the worker on every heartbeat.
type Metrics struct {
	CPUUsage  float64 `json:"cpu_usage"`
	GPUUsage  float64 `json:"gpu_usage"`
	RAMUsage  float64 `json:"ram_usage"`
	UptimeSec int64   `json:"uptime_sec"`
}

type Worker struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Region        string    `json:"region,omitempty"`
	Specs         Specs     `json:"specs"`
	Metrics       Metrics   `json:"metrics"`
	Status        Status    `json:"status"`
	ActiveTasks   []string  `json:"active_tasks"`
	Reputation    float64   `json:"reputation"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

type WorkerPage struct {
	Offset  uint64   `json:"offset"`
	Limit   uint64   `json:"limit"`
	Total   uint64   `json:"total"`
	Workers []Worker `json:"workers"`
}

// SetAlive marks the worker Offline when its last heartbeat is older than the alive timeout.
func (w *Worker) SetAlive(now time.Time) {
	if w.Status == Offline {
		return
	}
	if w.LastHeartbeat.IsZero() || now.Sub(w.LastHeartbeat) > aliveTimeout {
		w.Status = Offline
	}
}

func (w Worker) FreeMemoryGB() float64 {
	free := w.Specs.MemoryGB * (1 - w.Metrics.RAMUsage/100)
	if free < 0 {
		return 0
	}

	return free
}

// Available reports whether the worker may receive new work.
func (w Worker) Available(cpuCeiling float64) bool {
	if w.Status != Online && w.Status != Idle {
		return false
	}

	return w.Metrics.CPUUsage <= cpuCeiling
}

func (w *Worker) AddTask(taskID string, threshold int) {
	if !slices.Contains(w.ActiveTasks, taskID) {
		w.ActiveTasks = append(w.ActiveTasks, taskID)
	}
	if len(w.ActiveTasks) >= threshold {
		w.Status = Busy
	}
}

// Release removes taskID from the active set and returns the worker to Online
// when its load drops below threshold. It reports whether the worker became available.
func (w *Worker) Release(taskID string, threshold int) bool {
	w.ActiveTasks = slices.DeleteFunc(w.ActiveTasks, func(id string) bool {
		return id == taskID
	})
	if w.Status == Offline || w.Status == Syncing {
		return false
	}
	if len(w.ActiveTasks) < threshold && w.Status != Online {
		w.Status = Online

		return true
	}

	return false
}
