package raft

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

var errUnreachable = errors.New("replica unreachable")

type link struct {
	from, to string
}

// network routes RPCs between in-process nodes and can drop links.
type network struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	blocked map[link]bool
}

func newNetwork() *network {
	return &network{
		nodes:   make(map[string]*Node),
		blocked: make(map[link]bool),
	}
}

func (nw *network) peer(from, to string) (*Node, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	if nw.blocked[link{from, to}] {
		return nil, errUnreachable
	}
	n, ok := nw.nodes[to]
	if !ok {
		return nil, errUnreachable
	}

	return n, nil
}

// partition isolates each group from every other group.
func (nw *network) partition(groups ...[]string) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	nw.blocked = make(map[link]bool)
	for i, g := range groups {
		for j, h := range groups {
			if i == j {
				continue
			}
			for _, a := range g {
				for _, b := range h {
					nw.blocked[link{a, b}] = true
				}
			}
		}
	}
}

func (nw *network) heal() {
	nw.partition()
}

type memTransport struct {
	nw   *network
	from string
}

func (t *memTransport) RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error) {
	n, err := t.nw.peer(t.from, peer)
	if err != nil {
		return VoteResponse{}, err
	}
	resp := n.HandleRequestVote(ctx, req)
	if _, err := t.nw.peer(peer, t.from); err != nil {
		return VoteResponse{}, err
	}

	return resp, nil
}

func (t *memTransport) AppendEntries(ctx context.Context, peer string, req AppendRequest) (AppendResponse, error) {
	n, err := t.nw.peer(t.from, peer)
	if err != nil {
		return AppendResponse{}, err
	}
	resp := n.HandleAppendEntries(ctx, req)
	if _, err := t.nw.peer(peer, t.from); err != nil {
		return AppendResponse{}, err
	}

	return resp, nil
}

type leadershipEvent struct {
	leader bool
	term   uint64
}

type cluster struct {
	t     *testing.T
	clock *testingclock.FakeClock
	net   *network
	ids   []string
	nodes map[string]*Node

	mu         sync.Mutex
	applied    map[string][]Entry
	leadership map[string][]leadershipEvent
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCluster builds replicas sharing a fake clock. timeouts optionally pins
// the election timeout of a replica.
func newCluster(t *testing.T, ids []string, timeouts map[string]time.Duration) *cluster {
	t.Helper()

	c := &cluster{
		t:          t,
		clock:      testingclock.NewFakeClock(time.Unix(1_700_000_000, 0)),
		net:        newNetwork(),
		ids:        ids,
		nodes:      make(map[string]*Node),
		applied:    make(map[string][]Entry),
		leadership: make(map[string][]leadershipEvent),
	}

	for _, id := range ids {
		cfg := Config{
			ID:                id,
			Peers:             ids,
			HeartbeatInterval: 50 * time.Millisecond,
			Clock:             c.clock,
			Transport:         &memTransport{nw: c.net, from: id},
			Logger:            discardLogger(),
			OnApply: func(e Entry) {
				c.mu.Lock()
				c.applied[id] = append(c.applied[id], e)
				c.mu.Unlock()
			},
			OnLeadershipChange: func(leader bool, term uint64) {
				c.mu.Lock()
				c.leadership[id] = append(c.leadership[id], leadershipEvent{leader: leader, term: term})
				c.mu.Unlock()
			},
		}
		if d, ok := timeouts[id]; ok {
			cfg.ElectionTimeoutMin = d
			cfg.ElectionTimeoutMax = d
		}

		n, err := NewNode(context.Background(), cfg)
		if err != nil {
			t.Fatalf("failed to create node %s: %v", id, err)
		}
		c.nodes[id] = n
		c.net.nodes[id] = n
	}

	return c
}

func (c *cluster) step(d time.Duration) {
	c.clock.Step(d)
	for _, id := range c.ids {
		c.nodes[id].Tick(context.Background())
	}
}

func (c *cluster) leaders() []string {
	var out []string
	for _, id := range c.ids {
		if c.nodes[id].IsLeader() {
			out = append(out, id)
		}
	}

	return out
}

// currentLeader returns the leader with the highest term.
func (c *cluster) currentLeader() (string, bool) {
	var (
		best string
		term uint64
	)
	for _, id := range c.leaders() {
		if st := c.nodes[id].Status(); st.Term >= term {
			best, term = id, st.Term
		}
	}

	return best, best != ""
}

func (c *cluster) appliedBy(id string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.applied[id])
}

func (c *cluster) waitForLeader(maxSteps int) string {
	c.t.Helper()

	for range maxSteps {
		c.step(10 * time.Millisecond)
		if id, ok := c.currentLeader(); ok {
			// Require that a majority follows the leader's term.
			term := c.nodes[id].Status().Term
			followers := 0
			for _, other := range c.ids {
				if c.nodes[other].Status().Term == term {
					followers++
				}
			}
			if followers > len(c.ids)/2 {
				return id
			}
		}
	}
	c.t.Fatalf("no leader elected within %d steps", maxSteps)

	return ""
}

func entriesEqual(a, b Entry) bool {
	return a.Term == b.Term && a.Index == b.Index && string(a.Command) == string(b.Command)
}
