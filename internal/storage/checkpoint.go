package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// Common errors
var (
	ErrClosed      = errors.New("storage: checkpoint store closed")
	ErrEmptyRunKey = errors.New("storage: run key is required")
	ErrSealed      = errors.New("storage: checkpoint is sealed, passphrase required")
	ErrMalformed   = errors.New("storage: malformed checkpoint")
)

const keyPrefix = "checkpoint/"

// Checkpoint is the persisted form of one run's continuation state.
type Checkpoint struct {
	RunKey    string                            `json:"run_key"`
	UpdatedAt time.Time                         `json:"updated_at"`
	Cursors   map[domain.PartitionKey]time.Time `json:"cursors"`
}

// checkpointKey returns the storage key for a run.
func checkpointKey(runKey string) []byte {
	return []byte(keyPrefix + runKey)
}

// codec turns checkpoints into stored bytes, sealing them when a Sealer
// is configured.
type codec struct {
	sealer *envelope.Sealer
}

func (c codec) encode(runKey string, cursors map[domain.PartitionKey]time.Time, now time.Time) ([]byte, error) {
	cp := Checkpoint{
		RunKey:    runKey,
		UpdatedAt: now.UTC(),
		Cursors:   make(map[domain.PartitionKey]time.Time, len(cursors)),
	}
	for k, v := range cursors {
		cp.Cursors[k] = v.UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	if c.sealer == nil {
		return data, nil
	}
	return c.sealer.Seal(data, checkpointKey(runKey))
}

func (c codec) decode(runKey string, data []byte) (*Checkpoint, error) {
	plain := data
	if c.sealer != nil {
		opened, err := c.sealer.Open(data, checkpointKey(runKey))
		if err != nil {
			return nil, fmt.Errorf("open checkpoint %q: %w", runKey, err)
		}
		plain = opened
	} else if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return nil, ErrSealed
	}

	var cp Checkpoint
	if err := json.Unmarshal(plain, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cp.RunKey != runKey {
		return nil, fmt.Errorf("%w: run key %q stored under %q", ErrMalformed, cp.RunKey, runKey)
	}
	if cp.Cursors == nil {
		cp.Cursors = make(map[domain.PartitionKey]time.Time)
	}
	return &cp, nil
}
