// Package lock provides named cross-process locks shared by every process
// that syncs or sends for the same mailbox.
//
// The primary mechanism is an exclusive OS file lock on <dir>/<name>.lock.
// Where file locking is not supported the lock falls back to an exclusively
// created <dir>/<name>.pid marker holding the owner PID and acquisition
// time. A marker whose owner is gone, or that is older than the stale bound,
// is reclaimed.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"mailsync/internal/config"
)

const (
	ModeFlock = "flock"
	ModePID   = "pid"

	defaultPoll       = 250 * time.Millisecond
	defaultStaleAfter = 30 * time.Minute
	guardStaleAfter   = 10 * time.Second
)

// Locker hands out named locks under one directory.
type Locker struct {
	dir        string
	mode       string
	staleAfter time.Duration
	log        zerolog.Logger

	now   func() time.Time
	alive func(pid int) bool
}

func New(cfg config.LockConfig, logger zerolog.Logger) *Locker {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeFlock
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	return &Locker{
		dir:        cfg.Dir,
		mode:       mode,
		staleAfter: stale,
		log:        logger.With().Str("component", "lock").Logger(),
		now:        time.Now,
		alive:      processAlive,
	}
}

// Acquire waits up to timeout for the named lock, polling every poll. A
// timeout is reported as ok=false with a nil error. The returned release
// func may be called more than once.
func (l *Locker) Acquire(ctx context.Context, name string, timeout, poll time.Duration) (release func(), ok bool, err error) {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("creating lock dir: %w", err)
	}
	if poll <= 0 {
		poll = defaultPoll
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if l.mode != ModePID {
		release, ok, err := l.acquireFlock(waitCtx, name, poll)
		if !unsupported(err) {
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, false, nil
			}
			return release, ok, err
		}
		l.log.Warn().Err(err).Str("lock", name).Msg("File locking unsupported, falling back to pid marker")
	}

	return l.acquirePID(waitCtx, ctx, name, poll)
}

func (l *Locker) acquireFlock(ctx context.Context, name string, poll time.Duration) (func(), bool, error) {
	fl := flock.New(filepath.Join(l.dir, name+".lock"))
	ok, err := fl.TryLockContext(ctx, poll)
	if err != nil {
		_ = fl.Close()
		return nil, false, err
	}
	if !ok {
		_ = fl.Close()
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := fl.Unlock(); err != nil {
				l.log.Warn().Err(err).Str("lock", name).Msg("Failed to release lock")
			}
			_ = fl.Close()
		})
	}, true, nil
}

func (l *Locker) acquirePID(waitCtx, parent context.Context, name string, poll time.Duration) (func(), bool, error) {
	path := filepath.Join(l.dir, name+".pid")
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		acquired, err := l.tryPID(path)
		if err != nil {
			return nil, false, err
		}
		if acquired {
			var once sync.Once
			pid := os.Getpid()
			return func() {
				once.Do(func() { l.releasePID(path, pid) })
			}, true, nil
		}

		select {
		case <-waitCtx.Done():
			if err := parent.Err(); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		case <-ticker.C:
		}
	}
}

func (l *Locker) tryPID(path string) (bool, error) {
	if ok, err := l.createMarker(path); ok || err != nil {
		return ok, err
	}

	seen, err := os.ReadFile(path)
	if err != nil {
		// Released between our create and read; take it on the next poll.
		return false, nil
	}
	if !l.stale(path, seen) {
		return false, nil
	}
	return l.reclaim(path, seen)
}

func (l *Locker) createMarker(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock marker: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), l.now().UnixMilli())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("writing lock marker: %w", errors.Join(werr, cerr))
	}
	return true, nil
}

// reclaim replaces a marker judged stale from its contents seen. Only the
// holder of the reclaim guard removes markers, and only a marker that still
// holds exactly seen: the marker is renamed aside first and put back when
// it turns out to belong to a newer owner.
func (l *Locker) reclaim(path string, seen []byte) (bool, error) {
	guard := path + ".reclaim"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return false, fmt.Errorf("creating reclaim guard: %w", err)
		}
		if fi, serr := os.Stat(guard); serr == nil && l.now().Sub(fi.ModTime()) > guardStaleAfter {
			l.log.Warn().Str("path", guard).Msg("Removing abandoned reclaim guard")
			_ = os.Remove(guard)
		}
		return false, nil
	}
	_ = g.Close()
	defer os.Remove(guard)

	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l.createMarker(path)
	}
	if err != nil || !bytes.Equal(current, seen) {
		return false, nil
	}

	tomb := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), l.now().UnixNano())
	if err := os.Rename(path, tomb); err != nil {
		if os.IsNotExist(err) {
			return l.createMarker(path)
		}
		return false, fmt.Errorf("reclaiming stale lock: %w", err)
	}
	moved, err := os.ReadFile(tomb)
	if err != nil || !bytes.Equal(moved, seen) {
		// The owner released and a new owner took the name meanwhile.
		if lerr := os.Link(tomb, path); lerr != nil {
			l.log.Warn().Err(lerr).Str("path", path).Msg("Failed to restore lock marker")
		}
		_ = os.Remove(tomb)
		return false, nil
	}
	_ = os.Remove(tomb)

	l.log.Info().Str("path", path).Msg("Reclaimed abandoned lock")
	return l.createMarker(path)
}

// stale reports whether the marker's owner is gone or the marker has
// outlived the stale bound. Unparseable markers are judged by mtime.
func (l *Locker) stale(path string, data []byte) bool {
	pid, at, err := parseMarker(data)
	if err != nil {
		fi, serr := os.Stat(path)
		if serr != nil {
			return os.IsNotExist(serr)
		}
		return l.now().Sub(fi.ModTime()) > l.staleAfter
	}
	if !l.alive(pid) {
		return true
	}
	return l.now().Sub(at) > l.staleAfter
}

func (l *Locker) releasePID(path string, pid int) {
	owner, _, err := readMarker(path)
	if err == nil && owner != pid {
		// Reclaimed by another process after we went stale.
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.log.Warn().Err(err).Str("path", path).Msg("Failed to release lock")
	}
}

func readMarker(path string) (int, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return parseMarker(data)
}

func parseMarker(data []byte) (int, time.Time, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, time.Time{}, errors.New("malformed lock marker")
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, time.Time{}, err
	}
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, err
	}
	return pid, time.UnixMilli(ms), nil
}

func unsupported(err error) bool {
	return err != nil && (errors.Is(err, errors.ErrUnsupported) ||
		errors.Is(err, syscall.ENOLCK) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.ENOSYS))
}
