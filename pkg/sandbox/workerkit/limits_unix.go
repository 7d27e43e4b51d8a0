//go:build unix

package workerkit

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/wiratama/banyu/pkg/sandbox"
)

// applyResourceLimits installs the ceilings the host requested through the
// spawn environment: a soft heap limit for the Go runtime, a hard
// address-space limit covering heap plus the fixed code and stack regions,
// and a stack rlimit. Failure is reported but not fatal; the host still
// holds the kill switch.
func applyResourceLimits() error {
	heapMB, ok := envMB(sandbox.EnvHeapLimitMB)
	if !ok {
		return nil
	}

	debug.SetMemoryLimit(int64(heapMB) << 20)

	codeMB, _ := envMB(sandbox.EnvCodeRegionMB)
	stackMB, _ := envMB(sandbox.EnvStackMB)

	totalBytes := uint64(heapMB+codeMB+stackMB) << 20
	if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: totalBytes, Max: totalBytes}); err != nil {
		return fmt.Errorf("set address space limit: %w", err)
	}

	if stackMB > 0 {
		stackBytes := uint64(stackMB) << 20
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: stackBytes, Max: stackBytes}); err != nil {
			return fmt.Errorf("set stack limit: %w", err)
		}
	}
	return nil
}

func envMB(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
