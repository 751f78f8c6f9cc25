package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/absmach/anchor/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

const (
	defElectionTimeoutMin = 150 * time.Millisecond
	defElectionTimeoutMax = 300 * time.Millisecond
	defHeartbeatInterval  = 150 * time.Millisecond
	defRPCTimeout         = time.Second
	defTickInterval       = 10 * time.Millisecond
	defMaxAppendEntries   = 64
)

type Config struct {
	ID    string
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	TickInterval       time.Duration
	MaxAppendEntries   int

	Clock     clock.WithTicker
	Transport Transport
	Persister Persister
	Logger    *slog.Logger

	// OnApply receives committed entries in index order, exactly once each.
	// Callbacks run synchronously and must not call back into the node.
	OnApply func(Entry)
	// OnLeadershipChange is called when this replica gains or loses leadership.
	OnLeadershipChange func(isLeader bool, term uint64)
}

// progress is the leader's replication record for one follower.
type progress struct {
	nextIndex  uint64
	matchIndex uint64
}

type event struct {
	apply    *Entry
	isLeader bool
	term     uint64
}

type Node struct {
	cfg   Config
	id    string
	peers []string
	clock clock.WithTicker

	mu          sync.Mutex
	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	log         []Entry
	commitIndex uint64
	lastApplied uint64
	progress    map[string]progress
	votes       map[string]bool

	electionDeadline time.Time
	heartbeatDue     time.Time

	events  []event
	flushMu sync.Mutex
}

func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if cfg.Transport == nil && len(cfg.Peers) > 0 {
		return nil, fmt.Errorf("transport is required with peers")
	}
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = defElectionTimeoutMin
	}
	if cfg.ElectionTimeoutMax < cfg.ElectionTimeoutMin {
		cfg.ElectionTimeoutMax = max(defElectionTimeoutMax, cfg.ElectionTimeoutMin)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defHeartbeatInterval
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defRPCTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defTickInterval
	}
	if cfg.MaxAppendEntries <= 0 {
		cfg.MaxAppendEntries = defMaxAppendEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	n := &Node{
		cfg:      cfg,
		id:       cfg.ID,
		peers:    slices.DeleteFunc(slices.Clone(cfg.Peers), func(p string) bool { return p == cfg.ID }),
		clock:    cfg.Clock,
		role:     Follower,
		log:      []Entry{{}},
		progress: make(map[string]progress),
	}

	if cfg.Persister != nil {
		hs, ok, err := cfg.Persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load raft state: %w", err)
		}
		if ok {
			n.term = hs.Term
			n.votedFor = hs.VotedFor
			if len(hs.Log) > 0 {
				n.log = hs.Log
			}
		}
	}

	n.resetElectionTimer()
	n.recordMetrics()

	return n, nil
}

// Run drives Tick until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			n.Tick(ctx)
		}
	}
}

// Tick starts an election when the election timer has fired, or sends
// heartbeats when this replica leads and a heartbeat is due.
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	now := n.clock.Now()

	switch n.role {
	case Leader:
		if now.Before(n.heartbeatDue) {
			n.mu.Unlock()

			return
		}
		n.mu.Unlock()
		n.replicate(ctx)
	default:
		if now.Before(n.electionDeadline) {
			n.mu.Unlock()

			return
		}
		n.mu.Unlock()
		n.startElection(ctx)
	}
}

func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	n.role = Candidate
	n.term++
	n.votedFor = n.id
	n.leaderID = ""
	n.votes = map[string]bool{n.id: true}
	n.persist(ctx)
	n.resetElectionTimer()

	term := n.term
	req := VoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: n.lastIndex(),
		LastLogTerm:  n.lastTerm(),
	}
	peers := slices.Clone(n.peers)

	metrics.RaftElections.WithLabelValues(n.id).Inc()
	n.cfg.Logger.InfoContext(ctx, "starting election", "replica", n.id, "term", term)

	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader(ctx)
	}
	n.recordMetrics()
	n.mu.Unlock()
	n.flush()

	if len(peers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.cfg.Transport.RequestVote(rctx, peer, req)
			if err != nil {
				n.cfg.Logger.DebugContext(ctx, "vote request failed", "replica", n.id, "peer", peer, "error", err)

				return nil
			}
			n.handleVoteResponse(ctx, term, resp)

			return nil
		})
	}
	_ = g.Wait()
	n.flush()

	if n.IsLeader() {
		n.replicate(ctx)
	}
}

func (n *Node) handleVoteResponse(ctx context.Context, term uint64, resp VoteResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDown(ctx, resp.Term)

		return
	}
	if n.role != Candidate || n.term != term || !resp.Granted {
		return
	}

	n.votes[resp.From] = true
	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader(ctx)
	}
}

// becomeLeader must be called with mu held.
func (n *Node) becomeLeader(ctx context.Context) {
	n.role = Leader
	n.leaderID = n.id
	n.votes = nil

	next := n.lastIndex() + 1
	n.progress = make(map[string]progress, len(n.peers))
	for _, p := range n.peers {
		n.progress[p] = progress{nextIndex: next}
	}
	n.heartbeatDue = n.clock.Now()

	n.events = append(n.events, event{isLeader: true, term: n.term})
	n.recordMetrics()
	n.cfg.Logger.InfoContext(ctx, "became leader", "replica", n.id, "term", n.term)

	n.advanceCommit()
}

// stepDown must be called with mu held.
func (n *Node) stepDown(ctx context.Context, term uint64) {
	n.demote(ctx, term)
	n.resetElectionTimer()
}

// demote adopts term and becomes a follower without touching the election
// timer. It must be called with mu held.
func (n *Node) demote(ctx context.Context, term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.persist(ctx)
	}

	wasLeader := n.role == Leader
	if n.role != Follower {
		n.cfg.Logger.InfoContext(ctx, "stepping down", "replica", n.id, "term", n.term, "role", n.role.String())
	}
	n.role = Follower
	n.votes = nil
	if wasLeader {
		n.leaderID = ""
		n.events = append(n.events, event{isLeader: false, term: n.term})
	}
	n.recordMetrics()
}

func (n *Node) HandleRequestVote(ctx context.Context, req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.flush()
	defer n.mu.Unlock()

	if req.Term > n.term {
		n.demote(ctx, req.Term)
	}

	resp := VoteResponse{From: n.id, Term: n.term}
	if req.Term < n.term {
		return resp
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp
	}

	upToDate := req.LastLogTerm > n.lastTerm() ||
		(req.LastLogTerm == n.lastTerm() && req.LastLogIndex >= n.lastIndex())
	if !upToDate {
		n.cfg.Logger.DebugContext(ctx, "rejecting vote for stale log", "replica", n.id, "candidate", req.CandidateID, "term", req.Term)

		return resp
	}

	n.votedFor = req.CandidateID
	n.persist(ctx)
	n.resetElectionTimer()
	resp.Granted = true

	return resp
}

func (n *Node) HandleAppendEntries(ctx context.Context, req AppendRequest) AppendResponse {
	n.mu.Lock()
	defer n.flush()
	defer n.mu.Unlock()

	resp := AppendResponse{From: n.id, Term: n.term}
	if req.Term < n.term {
		return resp
	}

	if req.Term > n.term || n.role != Follower {
		n.stepDown(ctx, req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimer()
	resp.Term = n.term

	if req.PrevLogIndex > n.lastIndex() || n.log[req.PrevLogIndex].Term != req.PrevLogTerm {
		resp.MatchIndex = min(n.commitIndex, n.lastIndex())

		return resp
	}

	changed := false
	for i, e := range req.Entries {
		idx := req.PrevLogIndex + 1 + uint64(i)
		if idx <= n.lastIndex() {
			if n.log[idx].Term == e.Term {
				continue
			}
			// Only the conflicting suffix is discarded.
			n.log = n.log[:idx]
		}
		n.log = append(n.log, req.Entries[i:]...)
		changed = true

		break
	}
	if changed {
		n.persist(ctx)
	}

	// A delayed append may cover less of the log than is already committed.
	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if c := min(req.LeaderCommit, lastNew); c > n.commitIndex {
		n.commitIndex = c
		n.applyCommitted()
	}

	resp.Success = true
	resp.MatchIndex = lastNew

	return resp
}

// AppendCommand appends command to the leader's log and replicates it.
// It returns the index assigned to the command.
func (n *Node) AppendCommand(ctx context.Context, command []byte) (uint64, error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()

		return 0, fmt.Errorf("%w: current leader is %q", ErrNotLeader, leader)
	}

	e := Entry{
		Term:    n.term,
		Index:   n.lastIndex() + 1,
		Command: slices.Clone(command),
	}
	n.log = append(n.log, e)
	n.persist(ctx)
	n.advanceCommit()
	n.mu.Unlock()
	n.flush()

	n.replicate(ctx)

	return e.Index, nil
}

func (n *Node) replicate(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()

		return
	}
	n.heartbeatDue = n.clock.Now().Add(n.cfg.HeartbeatInterval)

	term := n.term
	reqs := make(map[string]AppendRequest, len(n.peers))
	for _, peer := range n.peers {
		pr := n.progress[peer]
		if pr.nextIndex == 0 {
			pr.nextIndex = 1
		}
		prev := min(pr.nextIndex-1, n.lastIndex())
		end := min(n.lastIndex(), prev+uint64(n.cfg.MaxAppendEntries))

		var entries []Entry
		if end > prev {
			entries = slices.Clone(n.log[prev+1 : end+1])
		}
		reqs[peer] = AppendRequest{
			Term:         term,
			LeaderID:     n.id,
			PrevLogIndex: prev,
			PrevLogTerm:  n.log[prev].Term,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
		}
	}
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for peer, req := range reqs {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.cfg.Transport.AppendEntries(rctx, peer, req)
			if err != nil {
				n.cfg.Logger.DebugContext(ctx, "append entries failed", "replica", n.id, "peer", peer, "error", err)

				return nil
			}
			n.handleAppendResponse(ctx, peer, term, req, resp)

			return nil
		})
	}
	_ = g.Wait()
	n.flush()
}

func (n *Node) handleAppendResponse(ctx context.Context, peer string, term uint64, req AppendRequest, resp AppendResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDown(ctx, resp.Term)

		return
	}
	if n.role != Leader || n.term != term {
		return
	}

	pr := n.progress[peer]
	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > pr.matchIndex {
			pr.matchIndex = match
		}
		pr.nextIndex = pr.matchIndex + 1
		n.progress[peer] = pr
		n.advanceCommit()

		return
	}

	// Back off one entry per rejected round.
	if req.PrevLogIndex+1 == pr.nextIndex && pr.nextIndex > 1 {
		pr.nextIndex--
		n.progress[peer] = pr
	}
}

// advanceCommit must be called with mu held by a leader.
func (n *Node) advanceCommit() {
	if n.role != Leader {
		return
	}

	matches := make([]uint64, 0, len(n.peers)+1)
	matches = append(matches, n.lastIndex())
	for _, p := range n.peers {
		matches = append(matches, n.progress[p].matchIndex)
	}
	slices.Sort(matches)
	slices.Reverse(matches)

	candidate := matches[len(matches)/2]
	if candidate <= n.commitIndex {
		return
	}
	// Entries from earlier terms are committed only indirectly.
	if n.log[candidate].Term != n.term {
		return
	}

	n.commitIndex = candidate
	n.applyCommitted()
}

// applyCommitted must be called with mu held.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		e := n.log[n.lastApplied]
		n.events = append(n.events, event{apply: &e})
	}
	metrics.RaftCommitIndex.WithLabelValues(n.id).Set(float64(n.commitIndex))
}

// flush delivers queued callbacks outside mu, preserving the order in which
// they were queued.
func (n *Node) flush() {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	for {
		n.mu.Lock()
		evs := n.events
		n.events = nil
		n.mu.Unlock()

		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			switch {
			case ev.apply != nil:
				if n.cfg.OnApply != nil {
					n.cfg.OnApply(*ev.apply)
				}
			case n.cfg.OnLeadershipChange != nil:
				n.cfg.OnLeadershipChange(ev.isLeader, ev.term)
			}
		}
	}
}

func (n *Node) persist(ctx context.Context) {
	if n.cfg.Persister == nil {
		return
	}

	hs := HardState{Term: n.term, VotedFor: n.votedFor, Log: slices.Clone(n.log)}
	if err := n.cfg.Persister.Save(ctx, hs); err != nil {
		n.cfg.Logger.ErrorContext(ctx, "failed to persist raft state", "replica", n.id, "error", err)
	}
}

func (n *Node) resetElectionTimer() {
	timeout := n.cfg.ElectionTimeoutMin
	if spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin; spread > 0 {
		timeout += time.Duration(rand.Int64N(int64(spread) + 1))
	}
	n.electionDeadline = n.clock.Now().Add(timeout)
}

func (n *Node) hasQuorum(votes int) bool {
	return votes > (len(n.peers)+1)/2
}

func (n *Node) lastIndex() uint64 {
	return uint64(len(n.log) - 1)
}

func (n *Node) lastTerm() uint64 {
	return n.log[len(n.log)-1].Term
}

func (n *Node) recordMetrics() {
	metrics.RaftTerm.WithLabelValues(n.id).Set(float64(n.term))
	for _, r := range []Role{Follower, Candidate, Leader} {
		v := 0.0
		if r == n.role {
			v = 1
		}
		metrics.RaftRole.WithLabelValues(n.id, r.String()).Set(v)
	}
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.role == Leader
}

func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.leaderID
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Status{
		ID:           n.id,
		Role:         n.role.String(),
		Term:         n.term,
		LeaderID:     n.leaderID,
		VotedFor:     n.votedFor,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.lastIndex(),
		Peers:        len(n.peers),
	}
}

// Entries returns a copy of the log without the sentinel.
func (n *Node) Entries() []Entry {
	n.mu.Lock()
	defer n.mu.Unlock()

	return slices.Clone(n.log[1:])
}
