package store

import (
	"context"

	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/crypto"
	"github.com/artpar/conductor/internal/core/domain"
)

// =============================================================================
// SealedStore - Encrypted Checkpoint Payloads
// =============================================================================

// SealedStore encrypts checkpoint payloads before they reach the wrapped
// store. The wrapped store checksums the sealed bytes; callers receive
// plaintext payloads with a checksum recomputed over the plaintext, so
// Verify holds on both sides of the boundary.
type SealedStore struct {
	Store
	sealer *crypto.Sealer
	cfg    settings
}

// NewSealedStore wraps inner so that checkpoint payloads are sealed at rest.
func NewSealedStore(inner Store, sealer *crypto.Sealer, opts ...Option) *SealedStore {
	return &SealedStore{Store: inner, sealer: sealer, cfg: newSettings(opts)}
}

func (s *SealedStore) SaveCheckpoint(ctx context.Context, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error) {
	sealed, err := s.sealer.Seal(payload)
	if err != nil {
		return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), ErrInvalidData)
	}
	cp, err := s.Store.SaveCheckpoint(ctx, executionID, phase, sealed)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return plain(cp, payload), nil
}

func (s *SealedStore) LoadCheckpoint(ctx context.Context, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error) {
	cp, err := s.Store.LoadCheckpoint(ctx, executionID, phase)
	if err != nil {
		return nil, err
	}
	payload, err := s.sealer.Open(cp.Payload)
	if err != nil {
		s.cfg.logger.Warn("checkpoint corrupt",
			"execution_id", executionID,
			"phase", phase,
			"version", cp.Version,
			"error", err,
		)
		return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID+"/"+string(phase), "cannot unseal payload", ErrNotFound)
	}
	out := plain(*cp, payload)
	return &out, nil
}

// ListCheckpoints opens every verifiable checkpoint. Entries that fail
// verification or unsealing keep an empty checksum so recovery discards them.
func (s *SealedStore) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	cps, err := s.Store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]checkpoint.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		if cp.Verify() != nil {
			cp.Checksum = ""
			out = append(out, cp)
			continue
		}
		payload, err := s.sealer.Open(cp.Payload)
		if err != nil {
			cp.Checksum = ""
			out = append(out, cp)
			continue
		}
		out = append(out, plain(cp, payload))
	}
	return out, nil
}

// WithTx keeps sealing inside the transaction.
func (s *SealedStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.Store.WithTx(ctx, func(tx Store) error {
		return fn(&SealedStore{Store: tx, sealer: s.sealer, cfg: s.cfg})
	})
}

func plain(cp checkpoint.Checkpoint, payload []byte) checkpoint.Checkpoint {
	cp.Payload = append([]byte(nil), payload...)
	cp.Checksum = checkpoint.Checksum(cp.ExecutionID, cp.Phase, cp.Version, cp.Payload)
	return cp
}
