// Package procstate answers "is this (pid, bootId, startTime) triple still
// the same live process" by reading /proc, the crash-detection primitive
// spec.md requires both of the advisory lock holder (component F) and the
// execution record store's running-record staleness check (component G).
package procstate

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// CurrentBootID returns the kernel's random boot id, empty if unreadable
// (e.g. non-Linux), in which case Alive always reports staleness.
func CurrentBootID() string {
	raw, err := os.ReadFile(bootIDPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Alive reports whether a process recorded with (bootID, pid, startTime) is
// still the same live process: the boot id must match the current one, the
// pid must exist and not be a zombie, and its recorded start time must match
// what /proc reports now (guarding against pid reuse after the original
// process exited).
func Alive(bootID string, pid int, startTime time.Time) bool {
	if bootID != CurrentBootID() {
		return false
	}
	if !PIDAlive(pid) {
		return false
	}
	actual := ProcessStartTime(pid)
	return !actual.IsZero() && actual.Equal(startTime)
}

// PIDAlive reports whether a process with pid exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isZombie(pid int) bool {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	line := string(raw)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

// ProcessStartTime reads the process's start time from /proc/<pid>/stat
// field 22 (ticks since boot), converted to an absolute time using the
// system boot time so two runs of the same pid after a reboot disagree.
func ProcessStartTime(pid int) time.Time {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}
	}
	line := string(raw)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 {
		return time.Time{}
	}
	fields := strings.Fields(line[closeIdx+2:])
	const startTimeFieldFromState = 19 // field 22 overall, 0-indexed from state (field 3)
	if len(fields) <= startTimeFieldFromState {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(fields[startTimeFieldFromState], 10, 64)
	if err != nil {
		return time.Time{}
	}
	hz := clockTicksPerSecond()
	uptimeSeconds := float64(ticks) / float64(hz)
	boot := bootTime()
	if boot.IsZero() {
		return time.Time{}
	}
	return boot.Add(time.Duration(uptimeSeconds * float64(time.Second)))
}

func clockTicksPerSecond() int64 {
	out, err := exec.Command("getconf", "CLK_TCK").Output()
	if err != nil {
		return 100
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil || v <= 0 {
		return 100
	}
	return v
}

func bootTime() time.Time {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return time.Time{}
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
