// Package singleton implements the Process Singleton Guard (spec.md
// §4.A): a PID lockfile with graceful takeover of a stale holder, so that
// at most one broker instance runs per host user.
package singleton

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// lockPayload is the JSON content of the lockfile.
type lockPayload struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Guard owns the lockfile for the life of the process.
type Guard struct {
	path       string
	instanceID string
	log        zerolog.Logger
}

// Acquire resolves the singleton lock at path, evicting a dead holder and
// attempting a graceful takeover of a live one. It returns a Guard that
// the caller releases with Release; Acquire installs no signal handling
// of its own.
func Acquire(path string, log zerolog.Logger) (*Guard, error) {
	g := &Guard{path: path, instanceID: uuid.NewString(), log: log}

	for {
		existing, err := readLock(path)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, errors.Annotate(err, "read lockfile")
		}

		if !pidLive(existing.PID) {
			log.Info().Int("pid", existing.PID).Msg("removing stale lockfile")
			_ = os.Remove(path)
			break
		}

		log.Info().Int("pid", existing.PID).Msg("requesting graceful takeover from existing broker")
		if err := requestTermination(existing.PID); err != nil {
			return nil, errors.Annotate(err, "signal existing broker")
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if !pidLive(existing.PID) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if pidLive(existing.PID) {
			return nil, errors.Errorf("broker already running as pid %d and did not exit within 5s", existing.PID)
		}
		_ = os.Remove(path)
		break
	}

	if err := g.write(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Guard) write() error {
	payload := lockPayload{PID: os.Getpid(), InstanceID: g.instanceID, Timestamp: time.Now()}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Annotate(err, "marshal lockfile")
	}
	if err := os.WriteFile(g.path, data, 0o600); err != nil {
		return errors.Annotate(err, "write lockfile")
	}
	return nil
}

// Release removes the lockfile iff its instanceId still matches ours, to
// avoid racing with a successor that has already taken over.
func (g *Guard) Release() {
	existing, err := readLock(g.path)
	if err != nil {
		return
	}
	if existing.InstanceID != g.instanceID {
		return
	}
	_ = os.Remove(g.path)
}

// Status reports the current holder of path, for the `lockfile status`
// CLI subcommand. ok is false when no lockfile exists.
func Status(path string) (pid int, instanceID string, since time.Time, ok bool, err error) {
	existing, rErr := readLock(path)
	if rErr != nil {
		if os.IsNotExist(rErr) {
			return 0, "", time.Time{}, false, nil
		}
		return 0, "", time.Time{}, false, rErr
	}
	return existing.PID, existing.InstanceID, existing.Timestamp, true, nil
}

func readLock(path string) (lockPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockPayload{}, err
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return lockPayload{}, errors.Annotate(err, "parse lockfile")
	}
	return payload, nil
}

func pidLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes liveness
	// without actually delivering a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

func requestTermination(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
