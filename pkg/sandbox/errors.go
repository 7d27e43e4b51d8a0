package sandbox

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrWorkerNotRunning is returned by operations requiring a live worker.
	ErrWorkerNotRunning = errors.New("worker is not running")

	// ErrWorkerTerminated rejects pending calls when the worker is killed.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrCallTimeout rejects a call whose response never arrived. The
	// worker is killed alongside; a hung call means the worker cannot be
	// trusted to service anything else.
	ErrCallTimeout = errors.New("call timed out")

	// ErrWorkerNotReady is returned when the bootstrap handshake does not
	// complete in time.
	ErrWorkerNotReady = errors.New("worker did not become ready")

	// ErrAlreadyStarted is returned by Start on a runner that already
	// spawned its worker.
	ErrAlreadyStarted = errors.New("runner already started")
)

// ConfigError aggregates every validation failure found in a runner
// configuration. Validation fails closed: any violation prevents spawn.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return "invalid sandbox configuration: " + strings.Join(e.Violations, "; ")
}

// WorkerCallError is a failure reported by the worker for one correlated
// request. Message and stack are truncated before they reach callers.
type WorkerCallError struct {
	Message string
	Stack   string
}

func (e *WorkerCallError) Error() string {
	return e.Message
}

// WorkerExitError rejects pending calls when the worker process exits
// before responding.
type WorkerExitError struct {
	Code int
}

func (e *WorkerExitError) Error() string {
	return "worker exited with code " + strconv.Itoa(e.Code)
}
