package raft

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/storage"
	"github.com/fxamacker/cbor/v2"
)

// HardState is the replica state that must survive a restart.
type HardState struct {
	Term     uint64  `cbor:"1,keyasint"`
	VotedFor string  `cbor:"2,keyasint,omitempty"`
	Log      []Entry `cbor:"3,keyasint"`
}

type Persister interface {
	Save(ctx context.Context, hs HardState) error
	Load(ctx context.Context) (HardState, bool, error)
}

type kvPersister struct {
	kv  storage.KV
	key string
}

func NewKVPersister(kv storage.KV, replicaID string) Persister {
	return &kvPersister{
		kv:  kv,
		key: "raft:" + replicaID + ":state",
	}
}

func (p *kvPersister) Save(ctx context.Context, hs HardState) error {
	data, err := cbor.Marshal(hs)
	if err != nil {
		return fmt.Errorf("failed to encode raft state: %w", err)
	}

	return p.kv.Set(ctx, p.key, data, 0)
}

func (p *kvPersister) Load(ctx context.Context) (HardState, bool, error) {
	data, err := p.kv.Get(ctx, p.key)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return HardState{}, false, nil
	}
	if err != nil {
		return HardState{}, false, err
	}

	var hs HardState
	if err := cbor.Unmarshal(data, &hs); err != nil {
		return HardState{}, false, fmt.Errorf("failed to decode raft state: %w", err)
	}

	return hs, true, nil
}
