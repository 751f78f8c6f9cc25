package verification

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/metrics"
	"github.com/absmach/anchor/pkg/storage"
	"k8s.io/utils/clock"
)

const (
	ChallengeTTL = 5 * time.Minute
	RecordTTL    = time.Hour
	EvidenceTTL  = 7 * 24 * time.Hour

	DefaultRedundancy = 3
	DefaultReputation = 100.0
	MinReputation     = 0.0
	MaxReputation     = 100.0
	WarnReputation    = 50.0

	MajorityReward  = 1.0
	MinorityPenalty = -10.0
	SlashPenalty    = -50.0

	nonceSize = 32

	// NonceKey and IssuedAtKey carry the challenge in a redundant task's
	// payload. IssuedAtKey holds unix milliseconds.
	NonceKey    = "challenge_nonce"
	IssuedAtKey = "challenge_issued_at"

	recordPrefix     = "verify:"
	evidencePrefix   = "fraud:"
	reputationPrefix = "reputation:"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrExpired     = errors.New("challenge expired")
	ErrNotReady    = errors.New("not enough submissions")
	ErrNoConsensus = errors.New("no consensus")
)

type Challenge struct {
	TaskID    string    `json:"task_id"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether submissions are no longer accepted at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Submission is one worker's claimed result. Valid is computed by the
// verifier, never taken from the worker.
type Submission struct {
	WorkerID    string    `json:"worker_id"`
	Result      any       `json:"result"`
	ResultHash  string    `json:"result_hash"`
	Proof       string    `json:"proof"`
	Valid       bool      `json:"valid"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type record struct {
	Challenge   Challenge    `json:"challenge"`
	Submissions []Submission `json:"submissions"`
}

// Outcome is the result of a successful consensus evaluation.
type Outcome struct {
	TaskID      string   `json:"task_id"`
	Result      any      `json:"result"`
	ResultHash  string   `json:"result_hash"`
	Majority    []string `json:"majority"`
	Dishonest   []string `json:"dishonest,omitempty"`
	Submissions int      `json:"submissions"`
}

// Disagreement is attached to ErrNoConsensus for audit.
type Disagreement struct {
	TaskID  string         `json:"task_id"`
	Groups  map[string]int `json:"groups"`
	Largest int            `json:"largest"`
	Needed  int            `json:"needed"`
}

func (d *Disagreement) Error() string {
	return fmt.Sprintf("%s: task %s largest group %d of %d needed", ErrNoConsensus, d.TaskID, d.Largest, d.Needed)
}

func (d *Disagreement) Unwrap() error {
	return ErrNoConsensus
}

// Evidence is archived for every worker outside the majority, and for slashes.
type Evidence struct {
	TaskID       string    `json:"task_id,omitempty"`
	WorkerID     string    `json:"worker_id"`
	Result       any       `json:"result,omitempty"`
	ResultHash   string    `json:"result_hash,omitempty"`
	MajorityHash string    `json:"majority_hash,omitempty"`
	ValidProof   bool      `json:"valid_proof"`
	Reason       string    `json:"reason,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type Verifier struct {
	kv     storage.KV
	clock  clock.PassiveClock
	logger *slog.Logger

	mu sync.Mutex
}

func NewVerifier(kv storage.KV, clk clock.PassiveClock, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Verifier{
		kv:     kv,
		clock:  clk,
		logger: logger,
	}
}

// IssueChallenge opens a verification record for taskID. Issuing again
// replaces any outstanding challenge and drops its submissions.
func (v *Verifier) IssueChallenge(ctx context.Context, taskID string) (Challenge, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := v.clock.Now()
	c := Challenge{
		TaskID:    taskID,
		Nonce:     hex.EncodeToString(nonce),
		IssuedAt:  now,
		ExpiresAt: now.Add(ChallengeTTL),
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.saveRecord(ctx, record{Challenge: c}); err != nil {
		return Challenge{}, err
	}

	return c, nil
}

func (v *Verifier) Challenge(ctx context.Context, taskID string) (Challenge, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.loadRecord(ctx, taskID)
	if err != nil {
		return Challenge{}, err
	}

	return r.Challenge, nil
}

// SubmitProof records a worker's result for taskID. A worker's repeated
// submission is ignored. The returned submission reports whether the proof
// matched.
func (v *Verifier) SubmitProof(ctx context.Context, taskID, workerID string, result any, proof string) (Submission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.loadRecord(ctx, taskID)
	if err != nil {
		return Submission{}, err
	}

	now := v.clock.Now()
	if r.Challenge.Expired(now) {
		return Submission{}, ErrExpired
	}

	for _, s := range r.Submissions {
		if s.WorkerID == workerID {
			return s, nil
		}
	}

	expected, err := ComputeProof(result, r.Challenge.Nonce, r.Challenge.IssuedAt)
	if err != nil {
		return Submission{}, err
	}
	hash, err := ResultHash(result)
	if err != nil {
		return Submission{}, err
	}

	s := Submission{
		WorkerID:    workerID,
		Result:      result,
		ResultHash:  hash,
		Proof:       proof,
		Valid:       proof == expected,
		SubmittedAt: now,
	}
	if !s.Valid {
		v.logger.WarnContext(ctx, "proof mismatch", slog.String("task_id", taskID), slog.String("worker_id", workerID))
	}

	r.Submissions = append(r.Submissions, s)
	if err := v.saveRecord(ctx, r); err != nil {
		return Submission{}, err
	}

	return s, nil
}

// Submissions returns how many results have been recorded for taskID.
func (v *Verifier) Submissions(ctx context.Context, taskID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.loadRecord(ctx, taskID)
	if err != nil {
		return 0, err
	}

	return len(r.Submissions), nil
}

// EvaluateConsensus groups the submissions for taskID by result hash. The
// largest group wins when it holds at least ceil(required/2) submissions.
// Workers in the majority gain reputation, the others lose it and have
// evidence archived. The record is deleted on success.
func (v *Verifier) EvaluateConsensus(ctx context.Context, taskID string, required int) (Outcome, error) {
	if required < 1 {
		required = DefaultRedundancy
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.loadRecord(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if len(r.Submissions) < required {
		return Outcome{}, ErrNotReady
	}

	// Submissions with a forged proof never join a group.
	groups := make(map[string][]Submission)
	for _, s := range r.Submissions {
		if s.Valid {
			groups[s.ResultHash] = append(groups[s.ResultHash], s)
		}
	}

	hashes := make([]string, 0, len(groups))
	for h := range groups {
		hashes = append(hashes, h)
	}
	// Ties between equally sized groups resolve to the lowest hash.
	sort.Slice(hashes, func(i, j int) bool {
		if li, lj := len(groups[hashes[i]]), len(groups[hashes[j]]); li != lj {
			return li > lj
		}

		return hashes[i] < hashes[j]
	})

	var winner string
	if len(hashes) > 0 {
		winner = hashes[0]
	}
	needed := (required + 1) / 2
	if len(groups[winner]) < needed {
		d := &Disagreement{TaskID: taskID, Groups: make(map[string]int), Largest: len(groups[winner]), Needed: needed}
		for h, g := range groups {
			d.Groups[h] = len(g)
		}
		metrics.ConsensusOutcomes.WithLabelValues("no_consensus").Inc()

		return Outcome{}, d
	}

	out := Outcome{
		TaskID:      taskID,
		Result:      groups[winner][0].Result,
		ResultHash:  winner,
		Submissions: len(r.Submissions),
	}
	now := v.clock.Now()
	for _, s := range r.Submissions {
		if s.Valid && s.ResultHash == winner {
			out.Majority = append(out.Majority, s.WorkerID)
			if _, err := v.adjust(ctx, s.WorkerID, MajorityReward); err != nil {
				return Outcome{}, err
			}

			continue
		}

		out.Dishonest = append(out.Dishonest, s.WorkerID)
		if _, err := v.adjust(ctx, s.WorkerID, MinorityPenalty); err != nil {
			return Outcome{}, err
		}
		ev := Evidence{
			TaskID:       taskID,
			WorkerID:     s.WorkerID,
			Result:       s.Result,
			ResultHash:   s.ResultHash,
			MajorityHash: winner,
			ValidProof:   s.Valid,
			Reason:       dishonestReason(s),
			RecordedAt:   now,
		}
		if err := v.archive(ctx, evidenceKey(taskID, s.WorkerID), ev); err != nil {
			return Outcome{}, err
		}
	}

	if err := v.kv.Delete(ctx, recordPrefix+taskID); err != nil {
		return Outcome{}, err
	}
	metrics.ConsensusOutcomes.WithLabelValues("consensus").Inc()

	return out, nil
}

// Slash applies the operator penalty to workerID and archives the reason.
func (v *Verifier) Slash(ctx context.Context, workerID, reason string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	score, err := v.adjust(ctx, workerID, SlashPenalty)
	if err != nil {
		return 0, err
	}

	now := v.clock.Now()
	ev := Evidence{WorkerID: workerID, Reason: reason, RecordedAt: now}
	key := evidenceKey("slash-"+strconv.FormatInt(now.UnixNano(), 10), workerID)
	if err := v.archive(ctx, key, ev); err != nil {
		return 0, err
	}
	v.logger.WarnContext(ctx, "worker slashed", slog.String("worker_id", workerID), slog.String("reason", reason), slog.Float64("reputation", score))

	return score, nil
}

// Reputation returns the score of workerID, DefaultReputation when unknown.
func (v *Verifier) Reputation(ctx context.Context, workerID string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.reputation(ctx, workerID)
}

// Reputations returns every recorded score keyed by worker id.
func (v *Verifier) Reputations(ctx context.Context) (map[string]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.kv.Keys(ctx, reputationPrefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, reputationPrefix)
		score, err := v.reputation(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = score
	}

	return out, nil
}

// Evidence lists archived evidence for workerID.
func (v *Verifier) Evidence(ctx context.Context, workerID string) ([]Evidence, error) {
	keys, err := v.kv.Keys(ctx, evidencePrefix)
	if err != nil {
		return nil, err
	}

	var out []Evidence
	for _, k := range keys {
		if !strings.HasSuffix(k, ":"+workerID) {
			continue
		}
		data, err := v.kv.Get(ctx, k)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ev Evidence
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
		}
		out = append(out, ev)
	}

	return out, nil
}

func (v *Verifier) reputation(ctx context.Context, workerID string) (float64, error) {
	data, err := v.kv.Get(ctx, reputationPrefix+workerID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return DefaultReputation, nil
	}
	if err != nil {
		return 0, err
	}

	score, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return score, nil
}

// adjust must be called with mu held.
func (v *Verifier) adjust(ctx context.Context, workerID string, delta float64) (float64, error) {
	prev, err := v.reputation(ctx, workerID)
	if err != nil {
		return 0, err
	}

	score := min(max(prev+delta, MinReputation), MaxReputation)
	if err := v.kv.Set(ctx, reputationPrefix+workerID, []byte(strconv.FormatFloat(score, 'f', -1, 64)), 0); err != nil {
		return 0, err
	}
	metrics.WorkerReputation.WithLabelValues(workerID).Set(score)

	if prev >= WarnReputation && score < WarnReputation {
		v.logger.WarnContext(ctx, "worker reputation below threshold",
			slog.String("worker_id", workerID),
			slog.Float64("reputation", score),
			slog.Float64("threshold", WarnReputation),
		)
	}

	return score, nil
}

func (v *Verifier) archive(ctx context.Context, key string, ev Evidence) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return v.kv.Set(ctx, key, data, EvidenceTTL)
}

func (v *Verifier) loadRecord(ctx context.Context, taskID string) (record, error) {
	data, err := v.kv.Get(ctx, recordPrefix+taskID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return record{}, ErrUnknownTask
	}
	if err != nil {
		return record{}, err
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return r, nil
}

func (v *Verifier) saveRecord(ctx context.Context, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return v.kv.Set(ctx, recordPrefix+r.Challenge.TaskID, data, RecordTTL)
}

func evidenceKey(taskID, workerID string) string {
	return evidencePrefix + taskID + ":" + workerID
}

func dishonestReason(s Submission) string {
	if !s.Valid {
		return "proof mismatch"
	}

	return "result outside majority"
}
