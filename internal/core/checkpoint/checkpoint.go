// Package checkpoint defines the checkpoint value, its integrity checksum
// and the pure recovery computation. Persistence lives in shell/store.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
)

var (
	// ErrCorrupt is returned when a checkpoint's checksum does not match its content.
	ErrCorrupt = errors.New("checkpoint checksum mismatch")

	// ErrInvalidPayload is returned when a payload does not decode to a phase result.
	ErrInvalidPayload = errors.New("invalid checkpoint payload")
)

// =============================================================================
// Checkpoint
// =============================================================================

// Checkpoint is one immutable, versioned snapshot of a phase result.
type Checkpoint struct {
	ExecutionID string       `json:"execution_id" yaml:"execution_id"`
	Phase       domain.Phase `json:"phase" yaml:"phase"`
	Version     int64        `json:"version" yaml:"version"`
	Payload     []byte       `json:"payload" yaml:"payload"`
	Checksum    string       `json:"checksum" yaml:"checksum"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
}

// New builds a checkpoint and computes its checksum.
func New(executionID string, phase domain.Phase, version int64, payload []byte, now time.Time) Checkpoint {
	cp := Checkpoint{
		ExecutionID: executionID,
		Phase:       phase,
		Version:     version,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   now.UTC(),
	}
	cp.Checksum = Checksum(executionID, phase, version, payload)
	return cp
}

// Checksum is the hex SHA-256 of execution id, phase, version and payload.
// Binding the key and version stops a valid payload from being replayed
// under another key.
func Checksum(executionID string, phase domain.Phase, version int64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{'|'})
	h.Write([]byte(phase))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(version, 10)))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the checksum.
func (c Checkpoint) Verify() error {
	if c.Checksum != Checksum(c.ExecutionID, c.Phase, c.Version, c.Payload) {
		return fmt.Errorf("%w: %s/%s v%d", ErrCorrupt, c.ExecutionID, c.Phase, c.Version)
	}
	return nil
}

// NextVersion returns the version after prev; the first version is 1.
func NextVersion(prev int64) int64 {
	if prev < 0 {
		return 1
	}
	return prev + 1
}

// =============================================================================
// Payload Encoding
// =============================================================================

// EncodeResult serialises a phase result as a checkpoint payload.
func EncodeResult(r domain.PhaseResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// DecodeResult parses a checkpoint payload.
func DecodeResult(payload []byte) (domain.PhaseResult, error) {
	var r domain.PhaseResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return domain.PhaseResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !r.Phase.Valid() {
		return domain.PhaseResult{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidPayload, r.Phase)
	}
	return r, nil
}
