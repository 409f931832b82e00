package store

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
)

// =============================================================================
// FileStore
// =============================================================================

// FileStore implements Store on a directory tree:
//
//	<root>/executions/<id>/execution.yaml
//	<root>/executions/<id>/checkpoints/<phase>/v00000001.yaml
//	<root>/audit/events.jsonl
//	<root>/audit/reported.jsonl
//
// Checkpoint files are created with a hard link from a synced temp file,
// so a version is either fully present or absent and is never replaced.
type FileStore struct {
	root string
	cfg  settings

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	audit sync.Mutex
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	for _, dir := range []string{filepath.Join(root, "executions"), filepath.Join(root, "audit")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, NewStoreError("NewFileStore", "", "", err.Error(), ErrIO)
		}
	}
	return &FileStore{root: root, cfg: newSettings(opts), locks: make(map[string]*sync.Mutex)}, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// WithTx runs fn directly; the filesystem has no multi-file transactions.
func (s *FileStore) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *FileStore) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// pathSegment maps an id to a safe directory name. Ids that slug.Make
// would change get a hash suffix so distinct ids never collide.
func pathSegment(id string) string {
	seg := slug.Make(id)
	if seg == id {
		return seg
	}
	sum := sha256.Sum256([]byte(id))
	if seg == "" {
		return hex.EncodeToString(sum[:8])
	}
	return seg + "-" + hex.EncodeToString(sum[:4])
}

func (s *FileStore) executionDir(id string) string {
	return filepath.Join(s.root, "executions", pathSegment(id))
}

func (s *FileStore) phaseDir(executionID string, phase domain.Phase) string {
	return filepath.Join(s.executionDir(executionID), "checkpoints", string(phase))
}

// =============================================================================
// Checkpoint Operations
// =============================================================================

// checkpointFile is the on-disk form. Payloads that are not valid UTF-8
// (sealed payloads) are stored base64-encoded.
type checkpointFile struct {
	ExecutionID string    `yaml:"execution_id"`
	Phase       string    `yaml:"phase"`
	Version     int64     `yaml:"version"`
	Checksum    string    `yaml:"checksum"`
	CreatedAt   time.Time `yaml:"created_at"`
	Encoding    string    `yaml:"encoding"`
	Payload     string    `yaml:"payload"`
}

func versionFile(v int64) string {
	return fmt.Sprintf("v%08d.yaml", v)
}

func (s *FileStore) SaveCheckpoint(_ context.Context, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error) {
	if err := validateKey("SaveCheckpoint", executionID, phase); err != nil {
		return checkpoint.Checkpoint{}, err
	}

	l := s.lock(executionID + "/" + string(phase))
	l.Lock()
	defer l.Unlock()

	dir := s.phaseDir(executionID, phase)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), ErrIO)
	}

	versions, err := listVersions(dir)
	if err != nil {
		return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), ErrIO)
	}
	var prev int64
	if n := len(versions); n > 0 {
		prev = versions[n-1]
	}

	// Another process may claim a version between listing and linking.
	for attempt := 0; attempt < 5; attempt++ {
		cp := checkpoint.New(executionID, phase, checkpoint.NextVersion(prev), payload, s.cfg.now())
		err := writeExclusive(filepath.Join(dir, versionFile(cp.Version)), toCheckpointFile(cp))
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), ErrIO)
		}
		prev = cp.Version
	}
	return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, "could not claim a version", ErrVersionConflict)
}

func (s *FileStore) LoadCheckpoint(_ context.Context, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error) {
	if err := validateKey("LoadCheckpoint", executionID, phase); err != nil {
		return nil, err
	}

	dir := s.phaseDir(executionID, phase)
	versions, err := listVersions(dir)
	if err != nil {
		return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID, err.Error(), ErrIO)
	}
	if len(versions) == 0 {
		return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID+"/"+string(phase), "checkpoint not found", ErrNotFound)
	}

	latest := versions[len(versions)-1]
	cp, err := readCheckpointFile(filepath.Join(dir, versionFile(latest)))
	if err != nil {
		s.cfg.logger.Warn("checkpoint corrupt",
			"execution_id", executionID,
			"phase", phase,
			"version", latest,
			"error", err,
		)
		return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID+"/"+string(phase), "unreadable checkpoint", ErrNotFound)
	}
	return verified(s.cfg.logger, "LoadCheckpoint", cp)
}

func (s *FileStore) ListCheckpoints(_ context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	var out []checkpoint.Checkpoint
	for _, phase := range domain.Phases() {
		dir := s.phaseDir(executionID, phase)
		versions, err := listVersions(dir)
		if err != nil {
			return nil, NewStoreError("ListCheckpoints", "checkpoint", executionID, err.Error(), ErrIO)
		}
		for _, v := range versions {
			cp, err := readCheckpointFile(filepath.Join(dir, versionFile(v)))
			if err != nil {
				// Keep the slot so recovery sees the highest version as corrupt
				// instead of silently falling back to an older one.
				cp = &checkpoint.Checkpoint{ExecutionID: executionID, Phase: phase, Version: v}
			}
			out = append(out, *cp)
		}
	}
	return out, nil
}

func listVersions(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var versions []int64
	for _, e := range entries {
		var v int64
		if e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "v%08d.yaml", &v); err != nil || versionFile(v) != e.Name() {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func toCheckpointFile(cp checkpoint.Checkpoint) checkpointFile {
	f := checkpointFile{
		ExecutionID: cp.ExecutionID,
		Phase:       string(cp.Phase),
		Version:     cp.Version,
		Checksum:    cp.Checksum,
		CreatedAt:   cp.CreatedAt,
		Encoding:    "text",
		Payload:     string(cp.Payload),
	}
	if !utf8.Valid(cp.Payload) {
		f.Encoding = "base64"
		f.Payload = base64.StdEncoding.EncodeToString(cp.Payload)
	}
	return f
}

func readCheckpointFile(path string) (*checkpoint.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f checkpointFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	payload := []byte(f.Payload)
	if f.Encoding == "base64" {
		if payload, err = base64.StdEncoding.DecodeString(f.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
	}
	return &checkpoint.Checkpoint{
		ExecutionID: f.ExecutionID,
		Phase:       domain.Phase(f.Phase),
		Version:     f.Version,
		Payload:     payload,
		Checksum:    f.Checksum,
		CreatedAt:   f.CreatedAt,
	}, nil
}

// =============================================================================
// Atomic File Writes
// =============================================================================

// writeTemp marshals v into a synced temp file in dir and returns its name.
func writeTemp(dir string, v any) (string, error) {
	content, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("yaml marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".conductor-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}

// writeExclusive publishes v at path only if path does not exist yet.
func writeExclusive(path string, v any) error {
	tmpName, err := writeTemp(filepath.Dir(path), v)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// writeAtomic replaces path with v via rename.
func writeAtomic(path string, v any) error {
	tmpName, err := writeTemp(filepath.Dir(path), v)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// =============================================================================
// Execution Operations
// =============================================================================

func (s *FileStore) SaveExecution(_ context.Context, e *domain.DeploymentExecution) error {
	if e.ID == "" {
		return NewStoreError("SaveExecution", "execution", "", "execution id is required", ErrInvalidData)
	}
	dir := s.executionDir(e.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, err.Error(), ErrIO)
	}
	if err := writeAtomic(filepath.Join(dir, "execution.yaml"), e); err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, err.Error(), ErrIO)
	}
	return nil
}

func (s *FileStore) GetExecution(_ context.Context, id string) (*domain.DeploymentExecution, error) {
	e, err := readExecutionFile(filepath.Join(s.executionDir(id), "execution.yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewStoreError("GetExecution", "execution", id, "execution not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExecution", "execution", id, err.Error(), ErrInvalidData)
	}
	return e, nil
}

func (s *FileStore) ListExecutions(_ context.Context, opts ListOptions) ([]domain.DeploymentExecution, error) {
	opts = opts.Normalize()

	entries, err := os.ReadDir(filepath.Join(s.root, "executions"))
	if err != nil {
		return nil, NewStoreError("ListExecutions", "execution", "", err.Error(), ErrIO)
	}

	var all []domain.DeploymentExecution
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		e, err := readExecutionFile(filepath.Join(s.root, "executions", entry.Name(), "execution.yaml"))
		if err != nil {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		all = append(all, *e)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	if opts.Offset >= len(all) {
		return []domain.DeploymentExecution{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

func readExecutionFile(path string) (*domain.DeploymentExecution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e domain.DeploymentExecution
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// Audit Operations
// =============================================================================

type reportedLine struct {
	ID         string    `json:"id"`
	ReportedAt time.Time `json:"reported_at"`
}

func (s *FileStore) auditPath(name string) string {
	return filepath.Join(s.root, "audit", name)
}

func (s *FileStore) AppendAuditEvent(_ context.Context, e *domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return NewStoreError("AppendAuditEvent", "audit_event", e.ID, "failed to serialize event", ErrInvalidData)
	}

	s.audit.Lock()
	defer s.audit.Unlock()
	if err := appendLine(s.auditPath("events.jsonl"), line); err != nil {
		return NewStoreError("AppendAuditEvent", "audit_event", e.ID, err.Error(), ErrIO)
	}
	return nil
}

func (s *FileStore) ListAuditEvents(_ context.Context, executionID string) ([]domain.AuditEvent, error) {
	s.audit.Lock()
	defer s.audit.Unlock()

	all, err := s.readEvents()
	if err != nil {
		return nil, NewStoreError("ListAuditEvents", "audit_event", executionID, err.Error(), ErrIO)
	}
	out := make([]domain.AuditEvent, 0)
	for _, e := range all {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileStore) GetUnreportedAuditEvents(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.audit.Lock()
	defer s.audit.Unlock()

	all, err := s.readEvents()
	if err != nil {
		return nil, NewStoreError("GetUnreportedAuditEvents", "audit_event", "", err.Error(), ErrIO)
	}
	reported, err := s.readReported()
	if err != nil {
		return nil, NewStoreError("GetUnreportedAuditEvents", "audit_event", "", err.Error(), ErrIO)
	}

	out := make([]domain.AuditEvent, 0)
	for _, e := range all {
		if reported[e.ID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) MarkAuditEventsReported(_ context.Context, ids []string, reportedAt time.Time) error {
	s.audit.Lock()
	defer s.audit.Unlock()

	for _, id := range ids {
		line, err := json.Marshal(reportedLine{ID: id, ReportedAt: reportedAt.UTC()})
		if err != nil {
			return NewStoreError("MarkAuditEventsReported", "audit_event", id, err.Error(), ErrInvalidData)
		}
		if err := appendLine(s.auditPath("reported.jsonl"), line); err != nil {
			return NewStoreError("MarkAuditEventsReported", "audit_event", id, err.Error(), ErrIO)
		}
	}
	return nil
}

func (s *FileStore) readEvents() ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	err := scanLines(s.auditPath("events.jsonl"), func(line []byte) {
		var e domain.AuditEvent
		if json.Unmarshal(line, &e) == nil {
			out = append(out, e)
		}
	})
	return out, err
}

func (s *FileStore) readReported() (map[string]bool, error) {
	out := make(map[string]bool)
	err := scanLines(s.auditPath("reported.jsonl"), func(line []byte) {
		var r reportedLine
		if json.Unmarshal(line, &r) == nil {
			out[r.ID] = true
		}
	})
	return out, err
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// scanLines calls fn for each line. A missing file has no lines; a torn
// last line from a crash is skipped by the callers' decoders.
func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
