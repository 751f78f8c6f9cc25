package raft

import (
	"context"
	"errors"
)

var ErrNotLeader = errors.New("not leader")

type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Entry is one replicated command. Index 0 is reserved for the empty log sentinel.
type Entry struct {
	Term    uint64 `json:"term" cbor:"1,keyasint"`
	Index   uint64 `json:"index" cbor:"2,keyasint"`
	Command []byte `json:"command,omitempty" cbor:"3,keyasint,omitempty"`
}

type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type VoteResponse struct {
	From    string `json:"from"`
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

type AppendRequest struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit"`
}

type AppendResponse struct {
	From       string `json:"from"`
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index"`
}

// Transport carries RPCs to peer replicas. An error is treated as a negative response.
type Transport interface {
	RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peer string, req AppendRequest) (AppendResponse, error)
}

// RPCHandler is the receiving side of Transport, implemented by Node.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req VoteRequest) VoteResponse
	HandleAppendEntries(ctx context.Context, req AppendRequest) AppendResponse
}

type Status struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id,omitempty"`
	VotedFor     string `json:"voted_for,omitempty"`
	CommitIndex  uint64 `json:"commit_index"`
	LastApplied  uint64 `json:"last_applied"`
	LastLogIndex uint64 `json:"last_log_index"`
	Peers        int    `json:"peers"`
}
