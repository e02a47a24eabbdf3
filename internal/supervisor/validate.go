package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// pidAlive reports whether pid exists right now. Permission denied counts as
// dead: a pid this daemon cannot signal is not a render server it started,
// so treating the record as invalid is the safe reading.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// commName reads the kernel's short command name for pid.
func commName(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// matchesBinary compares a /proc comm value against the configured render
// binary. comm is truncated by the kernel to 15 bytes, so the expected name
// is truncated the same way before comparing.
func matchesBinary(comm, binary string) bool {
	want := filepath.Base(binary)
	if len(want) > 15 {
		want = want[:15]
	}
	return comm == want
}

// defaultProbePID is the real record validation: the pid must be alive and
// its command name must match the render binary. Pid reuse by an unrelated
// process therefore reads as invalid rather than as a live render server.
func defaultProbePID(pid int, binary string) bool {
	if !pidAlive(pid) {
		return false
	}
	comm, err := commName(pid)
	if err != nil {
		// Alive but unreadable; /proc may be gone between checks.
		return false
	}
	return matchesBinary(comm, binary)
}

// defaultProbeReady dials the render port until it accepts or the context
// expires.
func defaultProbeReady(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("port %d never accepted: %w", port, lastErr)
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}
}
