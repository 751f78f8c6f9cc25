package manager

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/absmach/anchor/pkg/raft"
	"github.com/fxamacker/cbor/v2"
)

type Op string

const (
	OpAssign   Op = "assign"
	OpComplete Op = "complete"
	OpFail     Op = "fail"
)

// Command is one scheduling decision carried by the replicated log.
type Command struct {
	Op        Op       `json:"op" cbor:"1,keyasint"`
	TaskID    string   `json:"task_id" cbor:"2,keyasint"`
	WorkerIDs []string `json:"worker_ids,omitempty" cbor:"3,keyasint,omitempty"`
	At        int64    `json:"at" cbor:"4,keyasint"`
}

func EncodeCommand(c Command) ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	return data, nil
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}

	return c, nil
}

type LedgerEntry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Command
}

// Ledger is the state machine fed by committed log entries. It keeps the
// assignment history of every task.
type Ledger struct {
	logger *slog.Logger

	mu          sync.Mutex
	tasks       map[string][]LedgerEntry
	entries     int
	lastApplied uint64
}

func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{
		logger: logger,
		tasks:  make(map[string][]LedgerEntry),
	}
}

// Apply is installed as the raft OnApply callback. Entries at or below the
// last applied index are ignored.
func (l *Ledger) Apply(e raft.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(e)
}

func (l *Ledger) apply(e raft.Entry) {
	if e.Index <= l.lastApplied {
		return
	}
	l.lastApplied = e.Index
	if len(e.Command) == 0 {
		return
	}

	c, err := DecodeCommand(e.Command)
	if err != nil {
		l.logger.Warn("skipping undecodable ledger entry", "index", e.Index, "error", err)

		return
	}
	l.tasks[c.TaskID] = append(l.tasks[c.TaskID], LedgerEntry{Index: e.Index, Term: e.Term, Command: c})
	l.entries++
}

// append records c locally when no replicated log is configured.
func (l *Ledger) append(c Command) error {
	data, err := EncodeCommand(c)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(raft.Entry{Index: l.lastApplied + 1, Command: data})

	return nil
}

func (l *Ledger) History(taskID string) []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.tasks[taskID])
}

func (l *Ledger) Status() LedgerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LedgerStatus{
		Entries:     l.entries,
		Tasks:       len(l.tasks),
		LastApplied: l.lastApplied,
	}
}
