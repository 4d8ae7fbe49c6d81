package storage

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/cmap"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// MemoryStore keeps checkpoints in a sharded in-process map. Values are
// stored encoded, so callers never share cursor maps with the store.
type MemoryStore struct {
	data   *cmap.Map[[]byte]
	codec  codec
	closed atomic.Bool
	now    func() time.Time
}

// NewMemoryStore creates an empty store. sealer may be nil.
func NewMemoryStore(sealer *envelope.Sealer) *MemoryStore {
	return &MemoryStore{
		data:  cmap.New[[]byte](),
		codec: codec{sealer: sealer},
		now:   time.Now,
	}
}

// Load returns the cursors saved for runKey, or an empty map if none exist.
func (s *MemoryStore) Load(ctx context.Context, runKey string) (map[domain.PartitionKey]time.Time, error) {
	cp, err := s.Get(ctx, runKey)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return map[domain.PartitionKey]time.Time{}, nil
	}
	return cp.Cursors, nil
}

// Get returns the full checkpoint for runKey, or nil if none exists.
func (s *MemoryStore) Get(ctx context.Context, runKey string) (*Checkpoint, error) {
	if err := s.check(ctx, runKey); err != nil {
		return nil, err
	}
	raw, ok := s.data.Get(string(checkpointKey(runKey)))
	if !ok {
		return nil, nil
	}
	return s.codec.decode(runKey, raw)
}

// Save replaces the checkpoint for runKey.
func (s *MemoryStore) Save(ctx context.Context, runKey string, cursors map[domain.PartitionKey]time.Time) error {
	if err := s.check(ctx, runKey); err != nil {
		return err
	}
	raw, err := s.codec.encode(runKey, cursors, s.now())
	if err != nil {
		return err
	}
	s.data.Set(string(checkpointKey(runKey)), raw)
	return nil
}

// Delete removes the checkpoint for runKey. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, runKey string) error {
	if err := s.check(ctx, runKey); err != nil {
		return err
	}
	s.data.Delete(string(checkpointKey(runKey)))
	return nil
}

// List returns the stored run keys in lexical order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.data.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemoryStore) check(ctx context.Context, runKey string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if runKey == "" {
		return ErrEmptyRunKey
	}
	return ctx.Err()
}
