package store

import (
	"fmt"
	"os"
	"time"

	"github.com/atms-dev/atms/model"
)

// fileLock is a simple cross-process advisory lock implemented with an
// exclusive-create sentinel file, matching spec.md §4.1's "<path>.lock"
// naming. None of the retrieval pack's examples import a dedicated file
// locking library (e.g. gofrs/flock) — Redis-backed stores (the teacher's
// RedisTaskStore) get mutual exclusion from Redis itself, and no other pack
// repo persists to a shared local file needing advisory locking — so this
// one piece is grounded on the standard library rather than a pack
// dependency; see DESIGN.md.
type fileLock struct {
	path string
}

func newFileLock(documentPath string) *fileLock {
	return &fileLock{path: documentPath + ".lock"}
}

// acquire blocks (polling) until the lock file can be created exclusively,
// or returns model.ErrLockTimeout after timeout elapses.
func (l *fileLock) acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 10 * time.Millisecond

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("store: acquire lock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			return model.NewError("store.lock", l.path, model.ErrLockTimeout)
		}
		time.Sleep(pollInterval)
	}
}

func (l *fileLock) release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: release lock %s: %w", l.path, err)
	}
	return nil
}
