package service

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// Split divides buf into ceil(len/maxPartSize) contiguous slices. The
// slices alias buf. Empty input yields no parts.
func Split(buf []byte, maxPartSize int) ([][]byte, error) {
	if maxPartSize <= 0 {
		return nil, domain.ErrValidation.WithDetailsf("max part size must be positive, got %d", maxPartSize)
	}
	if len(buf) == 0 {
		return nil, nil
	}

	n := (len(buf) + maxPartSize - 1) / maxPartSize
	parts := make([][]byte, 0, n)
	for off := 0; off < len(buf); off += maxPartSize {
		end := min(off+maxPartSize, len(buf))
		parts = append(parts, buf[off:end:end])
	}
	return parts, nil
}

// Partitioner encrypts parts through a CryptoService on a bounded worker
// pool.
type Partitioner struct {
	crypto *CryptoService

	// Workers bounds concurrent encryption; zero means GOMAXPROCS.
	Workers int
}

// NewPartitioner creates a Partitioner with the given worker bound.
func NewPartitioner(crypto *CryptoService, workers int) *Partitioner {
	return &Partitioner{crypto: crypto, Workers: workers}
}

// EncryptAndDescribe encrypts every part with env and returns descriptors
// with ordinals 1..N in input order.
func (p *Partitioner) EncryptAndDescribe(ctx context.Context, parts [][]byte, env *envelope.Envelope) ([]domain.PartDescriptor, error) {
	if env == nil {
		return nil, domain.ErrKeyUnavailable.WithDetails("no envelope")
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]domain.PartDescriptor, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, part := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ct, err := p.crypto.Encrypt(part, env)
			if err != nil {
				return fmt.Errorf("encrypt part %d: %w", i+1, err)
			}
			out[i] = domain.PartDescriptor{
				Ordinal:    i + 1,
				Metadata:   envelope.Digest(ct),
				Ciphertext: ct,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
