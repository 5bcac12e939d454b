package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// ErrLocked is returned when another backup of the instance is running.
var ErrLocked = errors.New("another backup of this instance is running")

const lockFileName = "backup.lock"

// instanceLock is held from Begin until Finalize.
type instanceLock struct {
	path  string
	token string
}

// acquireLock creates the lock file exclusively. A lock file left by a
// process that no longer exists is replaced.
func acquireLock(dir string) (*instanceLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	token := uuid.New().String()
	content := fmt.Sprintf("%s\n%d\n", token, os.Getpid())

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.WriteString(content)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s", path)
			}
			return &instanceLock{path: path, token: token}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}
		if !staleLock(path) {
			break
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
}

// staleLock reports whether the process named in a lock file is gone.
func staleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return false
	}
	pid, err := strconv.Atoi(lines[1])
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return errors.Is(proc.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

// release removes the lock file if it still holds our token.
func (l *instanceLock) release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file %s: %w", l.path, err)
	}
	if !strings.HasPrefix(string(data), l.token) {
		return fmt.Errorf("lock file %s is held by someone else", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}
