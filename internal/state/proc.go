package state

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive reports whether a process exists and is not a zombie. Used to tell
// a held lock from one left behind by a dead invocation.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func procFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

func pidZombie(pid int) bool {
	if !procFSAvailable() {
		return pidZombieFromPS(pid)
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	st := line[closeIdx+2]
	return st == 'Z' || st == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	st := strings.TrimSpace(string(out))
	if st == "" {
		return false
	}
	return st[0] == 'Z' || st[0] == 'X'
}
