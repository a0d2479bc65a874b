package mediastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	lockSuffix    = ".lock"
	lockOwnerFile = "owner.json"
)

// ErrLocked means another process is acquiring the same resource into this
// directory.
var ErrLocked = errors.New("resource is locked by another process")

// ResourceLock guards one resource id across processes sharing an output
// directory. The in-memory registry only covers a single process.
type ResourceLock struct {
	dir string
}

type lockOwner struct {
	PID        int    `json:"pid"`
	ResourceID string `json:"resource_id"`
	CreatedAt  string `json:"created_at"`
	Hostname   string `json:"hostname,omitempty"`
}

// pidExists is swapped in tests.
var pidExists = process.PidExists

// LockResource takes the on-disk lock for resourceID. A lock left behind by a
// dead process on this host is reclaimed.
func (s *Store) LockResource(resourceID string) (ResourceLock, error) {
	lockDir := filepath.Join(s.dir, "."+SafeID(resourceID)+lockSuffix)
	ownerPath := filepath.Join(lockDir, lockOwnerFile)

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			owner := lockOwner{
				PID:        os.Getpid(),
				ResourceID: resourceID,
				CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				Hostname:   hostnameOrUnknown(),
			}
			if err := WriteJSON(ownerPath, owner); err != nil {
				_ = os.Remove(lockDir)
				return ResourceLock{}, fmt.Errorf("write lock owner for %s: %w", resourceID, err)
			}
			return ResourceLock{dir: lockDir}, nil
		}
		if !os.IsExist(err) {
			return ResourceLock{}, fmt.Errorf("acquire lock for %s: %w", resourceID, err)
		}

		var owner lockOwner
		if readErr := ReadJSON(ownerPath, &owner); readErr != nil || owner.PID <= 0 {
			return ResourceLock{}, fmt.Errorf("%w: %s", ErrLocked, resourceID)
		}
		if !ownerGone(owner) {
			return ResourceLock{}, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
				ErrLocked, resourceID, owner.PID, owner.CreatedAt, owner.Hostname)
		}
		_ = os.Remove(ownerPath)
		_ = os.Remove(lockDir)
	}
	return ResourceLock{}, fmt.Errorf("%w: %s", ErrLocked, resourceID)
}

func (l ResourceLock) Release() error {
	if strings.TrimSpace(l.dir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func ownerGone(owner lockOwner) bool {
	if owner.Hostname != hostnameOrUnknown() || owner.PID == os.Getpid() {
		return false
	}
	exists, err := pidExists(int32(owner.PID))
	return err == nil && !exists
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
