// Package deploylock provides the fleet-scoped mutual exclusion gate:
// at most one deployment run may touch a fleet at a time.
package deploylock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// FileName is the lock artifact kept under the fleet root while a run
// is in progress.
const FileName = ".fleetsync.lock"

// ErrHeld is returned by Acquire when another run holds the lock for
// the whole bounded wait. The caller must fail fast rather than queue:
// a queued run would apply a stale commit range.
var ErrHeld = errors.New("another deploy in progress")

const pollInterval = 200 * time.Millisecond

// corruptGrace is how old an unparseable lock file must be before it
// is broken. Lock files are written atomically, so a corrupt one comes
// from a foreign writer; a freshly-written file is left alone rather
// than risk stealing a lock someone else is still producing.
const corruptGrace = 10 * time.Second

// Info identifies the lock owner. It is written into the lock file so
// a contending run can tell a live owner from a dead one.
type Info struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is an on-disk exclusive lock for one fleet root.
type Lock struct {
	path   string
	logger log.Logger
	held   bool
}

// New returns an unacquired lock for the fleet at fleetRoot.
func New(fleetRoot string, logger log.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(fleetRoot, FileName),
		logger: logger,
	}
}

// Acquire takes the lock, waiting at most wait for a concurrent run to
// finish. A lock whose recorded owner is no longer alive is broken and
// retaken immediately. Returns ErrHeld if the wait budget expires.
func (l *Lock) Acquire(ctx context.Context, runID string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.tryAcquire(runID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if l.breakIfStale() {
			continue
		}
		if time.Now().After(deadline) {
			return ErrHeld
		}
		sleep := pollInterval
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryAcquire publishes the lock file atomically: the Info is written
// to a temp file first and linked into place, so no contender can ever
// observe a half-written lock.
func (l *Lock) tryAcquire(runID string) (bool, error) {
	info := Info{PID: os.Getpid(), RunID: runID, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return false, errors.Wrap(err, "encoding lock info")
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), FileName+".tmp-*")
	if err != nil {
		return false, errors.Wrap(err, "creating lock file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return false, errors.Wrap(err, "writing lock file")
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrap(err, "writing lock file")
	}

	// link(2) fails with EEXIST if the lock is already held.
	if err := os.Link(tmp.Name(), l.path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "creating lock file")
	}
	l.held = true
	return true, nil
}

// breakIfStale removes the lock file when its recorded owner is not a
// live process. An unreadable lock names no live owner and would block
// the fleet forever, but only an aged one is broken (see corruptGrace).
func (l *Lock) breakIfStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Racing with a clean release.
		return os.IsNotExist(err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		st, statErr := os.Stat(l.path)
		if statErr != nil {
			return os.IsNotExist(statErr)
		}
		if time.Since(st.ModTime()) < corruptGrace {
			return false
		}
		_ = level.Warn(l.logger).Log("msg", "breaking corrupt lock file", "path", l.path)
		return os.Remove(l.path) == nil
	}
	alive, err := process.PidExists(int32(info.PID))
	if err == nil && !alive {
		_ = level.Warn(l.logger).Log("msg", "breaking stale lock", "pid", info.PID, "run_id", info.RunID, "acquired_at", info.AcquiredAt)
		return os.Remove(l.path) == nil
	}
	return false
}

// Release drops the lock. Safe to call when the lock was never
// acquired, so callers can defer it unconditionally.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing lock file")
	}
	return nil
}

// Holder reads the current lock owner, if any.
func Holder(fleetRoot string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(fleetRoot, FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrap(err, "parsing lock file")
	}
	return &info, nil
}
