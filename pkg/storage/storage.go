package storage

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
)

// Storage is a keyed entity store over encoded values. Every coordinator
// replica backed by the same KV sees the same entities.
type Storage interface {
	Create(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns values ordered by key.
	List(ctx context.Context, offset, limit uint64) ([][]byte, uint64, error)
}

type kvStorage struct {
	kv     KV
	prefix string
}

// NewKVStorage keeps entities under prefix+key in kv without expiry.
// Create and Update are check-then-set; callers serialize writers.
func NewKVStorage(kv KV, prefix string) Storage {
	return &kvStorage{
		kv:     kv,
		prefix: prefix,
	}
}

func (s *kvStorage) Create(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	_, err := s.kv.Get(ctx, s.prefix+key)
	switch {
	case err == nil:
		return pkgerrors.ErrEntityExists
	case !errors.Is(err, pkgerrors.ErrNotFound):
		return err
	}

	return s.kv.Set(ctx, s.prefix+key, value, 0)
}

func (s *kvStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, pkgerrors.ErrEmptyKey
	}

	return s.kv.Get(ctx, s.prefix+key)
}

func (s *kvStorage) Update(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	if _, err := s.kv.Get(ctx, s.prefix+key); err != nil {
		return err
	}

	return s.kv.Set(ctx, s.prefix+key, value, 0)
}

func (s *kvStorage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	return s.kv.Delete(ctx, s.prefix+key)
}

func (s *kvStorage) List(ctx context.Context, offset, limit uint64) (result [][]byte, total uint64, err error) {
	keys, err := s.kv.Keys(ctx, s.prefix)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s keys: %w", s.prefix, err)
	}

	total = uint64(len(keys))
	if offset >= total {
		return [][]byte{}, total, nil
	}

	end := offset + limit
	if limit == 0 || end > total {
		end = total
	}

	result = make([][]byte, 0, end-offset)
	for _, k := range keys[offset:end] {
		data, err := s.kv.Get(ctx, k)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		result = append(result, data)
	}

	return result, total, nil
}
