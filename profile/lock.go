package profile

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// isLocked reports whether another Chrome instance holds the profile.
//
// On Unix, Chrome drops SingletonLock (a symlink whose target encodes
// "<host>-<pid>"), SingletonSocket and SingletonCookie into the profile
// directory. A SingletonLock whose pid is no longer alive is a leftover
// from a crash and must be treated as unlocked. On Windows, Chrome holds
// an exclusive "lockfile" entry instead.
func (m *Manager) isLocked(dir string) bool {
	if runtime.GOOS == "windows" {
		if _, err := os.Stat(filepath.Join(dir, "lockfile")); err == nil {
			return true
		}
		return false
	}

	lock := filepath.Join(dir, "SingletonLock")
	target, err := os.Readlink(lock)
	if err == nil {
		if pid, ok := lockPID(target); ok {
			if m.opts.PIDAlive(pid) {
				return true
			}
			m.opts.Logger.Debug("profile: dangling SingletonLock from dead pid", "pid", pid)
			return false
		}
		// Unparseable target: assume locked rather than corrupt a live profile.
		return true
	}

	for _, name := range []string{"SingletonSocket", "SingletonCookie"} {
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// lockPID parses the "<host>-<pid>" symlink target.
func lockPID(target string) (int, bool) {
	i := strings.LastIndex(target, "-")
	if i < 0 || i == len(target)-1 {
		return 0, false
	}
	pid, err := strconv.Atoi(target[i+1:])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	if runtime.GOOS == "windows" {
		// FindProcess succeeds for any pid on Windows; without an open
		// handle the cheap probe is a no-op, so err on the locked side.
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
