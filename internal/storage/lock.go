package storage

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// fileLock serializes writers of a single document. The in-process mutex
// orders goroutines; the flock on a sidecar .lock file orders processes
// sharing the same store directory.
type fileLock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path + ".lock"}
}

func (l *fileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("flock: %w", err)
	}
	l.f = f
	return nil
}

// Unlock releases the flock and closes the handle. The .lock file itself
// is left in place: removing it while another process still holds the
// inode would let a third contender lock a fresh file and break
// exclusion.
func (l *fileLock) Unlock() {
	if l.f != nil {
		syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
		l.f.Close()
		l.f = nil
	}
	l.mu.Unlock()
}
