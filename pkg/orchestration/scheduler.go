package orchestration

import (
	"cmp"
	"context"
	"slices"

	"github.com/absmach/anchor/worker"
)

const (
	regionBonus     = 100.0
	perFreeGBBonus  = 10.0
	gpuMatchBonus   = 2000.0
	gpuIdlePenalty  = -500.0
	maxUptimeHours  = 24.0
	secondsPerHour  = 3600.0
	uptimeHourBonus = 1.0
)

type ScoringScheduler struct {
	cpuCeiling    float64
	minReputation float64
}

type SchedulerOption func(*ScoringScheduler)

// WithCPUCeiling excludes workers whose reported cpu usage is above ceiling.
func WithCPUCeiling(ceiling float64) SchedulerOption {
	return func(s *ScoringScheduler) {
		s.cpuCeiling = ceiling
	}
}

// WithMinReputation excludes workers below floor. A zero floor keeps every worker.
func WithMinReputation(floor float64) SchedulerOption {
	return func(s *ScoringScheduler) {
		s.minReputation = floor
	}
}

func NewScoringScheduler(opts ...SchedulerOption) Scheduler {
	s := &ScoringScheduler{cpuCeiling: worker.DefaultCPUCeiling}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scored struct {
	w     Worker
	score float64
}

func (s *ScoringScheduler) SelectWorkers(ctx context.Context, t Task, workers []Worker, k int) ([]Worker, error) {
	if k < 1 {
		k = 1
	}

	candidates := make([]scored, 0, len(workers))
	for _, w := range workers {
		if !s.eligible(t, w) {
			continue
		}
		candidates = append(candidates, scored{w: w, score: Score(t, w)})
	}
	if len(candidates) == 0 {
		return nil, ErrNoWorkerAvailable
	}

	slices.SortFunc(candidates, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}

		return cmp.Compare(a.w.ID, b.w.ID)
	})

	k = min(k, len(candidates))
	selected := make([]Worker, k)
	for i := range k {
		selected[i] = candidates[i].w
	}

	return selected, nil
}

func (s *ScoringScheduler) eligible(t Task, w Worker) bool {
	if !w.Available(s.cpuCeiling) {
		return false
	}
	if w.FreeMemoryGB() < t.Requirements.MinMemoryGB {
		return false
	}

	return s.minReputation <= 0 || w.Reputation >= s.minReputation
}

// Score ranks w for t. Higher is better.
func Score(t Task, w Worker) float64 {
	score := 0.0
	if t.Requirements.Region != "" && w.Region == t.Requirements.Region {
		score += regionBonus
	}
	score += perFreeGBBonus * w.FreeMemoryGB()

	switch {
	case t.Requirements.GPU && w.Specs.GPU:
		score += gpuMatchBonus
	case !t.Requirements.GPU && w.Specs.GPU:
		score += gpuIdlePenalty
	}

	hours := min(float64(w.Metrics.UptimeSec)/secondsPerHour, maxUptimeHours)
	score += uptimeHourBonus * hours

	return score
}

// Partition splits [0, total) into k contiguous chunks. The last chunk
// absorbs the remainder. k is capped at total so no chunk is empty.
func Partition(total int64, k int) ([]Chunk, error) {
	if total <= 0 || k <= 0 {
		return nil, ErrInvalidRange
	}
	n := min(int64(k), total)

	size := total / n
	chunks := make([]Chunk, n)
	for i := range n {
		start := i * size
		end := start + size
		if i == n-1 {
			end = total
		}
		chunks[i] = Chunk{Start: start, End: end}
	}

	return chunks, nil
}
