// Package store implements the single-JSON-file authoritative persistence
// layer for features, tasks, and agents (spec.md §4.1). Every public method
// is atomic against the file: it acquires an exclusive advisory lock, reads
// the current document, mutates, and writes back via temp-file+rename
// before releasing the lock.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/telemetry"
	"github.com/atms-dev/atms/model"
)

const DefaultLockTimeout = 5 * time.Second

// Store is the authoritative JSON document store. One Store instance should
// be used per process for a given path; the in-process mutex only protects
// against intra-process races, the file lock protects against other
// processes (spec.md §5).
type Store struct {
	path        string
	lock        *fileLock
	mu          sync.Mutex
	lockTimeout time.Duration
	logger      logger.Logger
	telemetry   telemetry.Provider
	now         func() time.Time
	project     string
	onMutation  func()
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = logger.EnsureComponent(l, "atms/store") }
}

func WithTelemetry(t telemetry.Provider) Option {
	return func(s *Store) { s.telemetry = t }
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithOnMutation registers a callback invoked after every successful write,
// while the store's mutex and file lock are still held, so it must not call
// back into the Store. The scheduler uses this to nudge an out-of-band tick
// (spec.md §4.4: "triggered by any store mutation").
func WithOnMutation(fn func()) Option {
	return func(s *Store) { s.onMutation = fn }
}

// SetOnMutation replaces the mutation callback after construction. The
// scheduler is built from an already-open Store, so the supervisor wires
// this once both exist rather than threading it through Open's options.
func (s *Store) SetOnMutation(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMutation = fn
}

// withClock overrides time.Now for deterministic tests. Unexported: tests in
// this package use it directly; callers outside never need it.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open returns a Store backed by path, creating an empty well-formed
// document if none exists, and running the recovery pass (spec.md §4.1)
// before returning.
func Open(path, project string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		lock:        newFileLock(path),
		lockTimeout: DefaultLockTimeout,
		logger:      logger.NoOp{},
		telemetry:   telemetry.NoOpProvider{},
		now:         time.Now,
		project:     project,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.withDocument(func(doc *model.Document) (bool, error) {
		changed := s.recover(doc)
		return changed, nil
	}); err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return s, nil
}

// withDocument is the sole synchronization point: it acquires the file
// lock, loads (or initializes) the document, invokes fn, and — if fn
// reports a change — persists atomically before releasing the lock. No
// public Store method threads a caller context through to here (the file
// lock/load/write sequence is synchronous and local), so the span is rooted
// at context.Background() — it still records duration and outcome the same
// way engine.runTask's and scheduler.tick's spans do.
func (s *Store) withDocument(fn func(doc *model.Document) (changed bool, err error)) (err error) {
	_, span := s.telemetry.StartSpan(context.Background(), "store.with_document")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.lock.acquire(s.lockTimeout); err != nil {
		return err
	}
	defer s.lock.release()

	doc, err := s.load()
	if err != nil {
		return err
	}

	changed, err := fn(doc)
	if err != nil {
		return err
	}
	if !changed {
		span.SetAttribute("store.changed", false)
		return nil
	}

	doc.Metadata.Updated = s.now()
	doc.BumpVersion()
	span.SetAttribute("store.changed", true)
	span.SetAttribute("store.snapshot_version", doc.SnapshotVersion)
	if err = s.atomicWrite(doc); err != nil {
		return err
	}
	if s.onMutation != nil {
		s.onMutation()
	}
	return nil
}

func (s *Store) load() (*model.Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.NewDocument(s.project, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: corrupt document %s: %w", s.path, err)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]*model.Agent{}
	}
	return &doc, nil
}

// atomicWrite serializes doc with stable key ordering (encoding/json sorts
// map keys) and 2-space indentation, writes it to a temp file in the same
// directory, fsyncs, then renames over the target path so readers always
// observe either the pre- or post-write document, never a partial one.
func (s *Store) atomicWrite(doc *model.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: serialize document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current document for the resolver and
// other read-only consumers, taken under the same lock as every mutation so
// it reflects a consistent point in time (spec.md §4.1 "snapshot isolation").
func (s *Store) Snapshot() (*model.Document, error) {
	var out *model.Document
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		out = deepCopyDocument(doc)
		return false, nil
	})
	return out, err
}

func deepCopyDocument(doc *model.Document) *model.Document {
	data, err := json.Marshal(doc)
	if err != nil {
		// Marshaling our own in-memory document cannot fail under normal
		// operation (no channels/funcs in the model types).
		panic(fmt.Sprintf("store: snapshot marshal: %v", err))
	}
	var out model.Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: snapshot unmarshal: %v", err))
	}
	if out.Agents == nil {
		out.Agents = map[string]*model.Agent{}
	}
	return &out
}
