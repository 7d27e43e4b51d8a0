//go:build !unix

package workerkit

import (
	"os"
	"runtime/debug"
	"strconv"

	"github.com/wiratama/banyu/pkg/sandbox"
)

// Only the Go runtime's soft heap limit is available off Unix.
func applyResourceLimits() error {
	raw := os.Getenv(sandbox.EnvHeapLimitMB)
	if raw == "" {
		return nil
	}
	heapMB, err := strconv.Atoi(raw)
	if err != nil || heapMB <= 0 {
		return nil
	}
	debug.SetMemoryLimit(int64(heapMB) << 20)
	return nil
}
