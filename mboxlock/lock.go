// Package mboxlock takes advisory locks on mbox files.
//
// Locks are fcntl region locks covering the whole file. A write lock must
// be held before any destructive change to an mbox file. Concurrent
// syncing of the same mbox from one process is prevented by the caller.
package mboxlock

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock cannot be acquired within the timeout.
var ErrTimeout = errors.New("mboxlock: timeout")

// Lock is a held advisory lock on an open mbox file.
type Lock struct {
	f     *os.File
	write bool
}

// Write returns whether this is a write lock.
func (l *Lock) Write() bool {
	return l != nil && l.write
}

func flock(f *os.File, typ int16, timeout time.Duration) error {
	fl := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  0,
		Len:    0, // Whole file.
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &fl)
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN && err != unix.EACCES {
			return fmt.Errorf("fcntl flock: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Acquire takes a read or write lock on f, waiting up to timeout.
func Acquire(f *os.File, write bool, timeout time.Duration) (*Lock, error) {
	typ := int16(unix.F_RDLCK)
	if write {
		typ = unix.F_WRLCK
	}
	if err := flock(f, typ, timeout); err != nil {
		return nil, err
	}
	return &Lock{f: f, write: write}, nil
}

// Downgrade turns a write lock into a read lock without releasing it.
func (l *Lock) Downgrade(timeout time.Duration) error {
	if !l.write {
		return nil
	}
	if err := flock(l.f, unix.F_RDLCK, timeout); err != nil {
		return err
	}
	l.write = false
	return nil
}

// Release drops the lock. The file stays open.
func (l *Lock) Release() error {
	fl := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &fl); err != nil {
		return fmt.Errorf("fcntl unlock: %w", err)
	}
	return nil
}
