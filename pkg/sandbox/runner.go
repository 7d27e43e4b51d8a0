package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wiratama/banyu/internal/logger"
	"github.com/wiratama/banyu/internal/observability"
	"github.com/wiratama/banyu/internal/tracing"
)

// Worker-supplied error text goes through the same redactor as host logs
// before it reaches callers.
var errorRedactor = logger.NewRedactor()

const (
	maxErrorMessageLen = 1000
	maxErrorStackLen   = 5000

	// Maximum line length accepted from a worker's stdout.
	maxWireLineLen = 1 << 20
)

// Environment variables the worker bootstrap reads to apply its own
// resource ceilings before touching plugin code.
const (
	EnvHeapLimitMB  = "BANYU_HEAP_LIMIT_MB"
	EnvYoungGenMB   = "BANYU_YOUNG_GEN_MB"
	EnvCodeRegionMB = "BANYU_CODE_REGION_MB"
	EnvStackMB      = "BANYU_STACK_MB"
)

// EventType identifies a runner lifecycle event.
type EventType string

const (
	EventToolRegistered    EventType = "tool:registered"
	EventCommandRegistered EventType = "command:registered"
	EventWorkerExited      EventType = "worker:exited"
	EventWorkerTerminated  EventType = "worker:terminated"
)

// Event is one runner notification. Registration events carry the
// namespaced tool/command name; exit events carry the process exit code.
type Event struct {
	Type        EventType
	PluginID    string
	Name        string
	Description string
	Schema      json.RawMessage
	ExitCode    int
	Timestamp   time.Time
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight request awaiting a response, error, or
// timeout. Whichever retires it first wins; the rest are no-ops because
// retirement removes the entry from the map under the runner lock.
type pendingCall struct {
	ch    chan callOutcome
	timer *time.Timer
}

type runnerState int32

const (
	stateNew runnerState = iota
	stateRunning
	stateTerminated
)

// Runner supervises one plugin worker subprocess: it spawns the worker
// under resource ceilings, validates every inbound message, correlates
// requests with responses, and kills the worker on any timeout.
type Runner struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]*pendingCall
	state   runnerState

	writeMu sync.Mutex

	ready      chan struct{}
	readDone   chan struct{}
	stderrDone chan struct{}

	events        chan Event
	eventsDropped atomic.Int64

	environ func() []string
}

// NewRunner validates cfg and builds a runner. Validation fails closed:
// an invalid configuration never reaches spawn.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.EnsureRegistered()
	cfg = cfg.withDefaults()

	return &Runner{
		cfg:      cfg,
		pending:  make(map[string]*pendingCall),
		ready:      make(chan struct{}),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		events:     make(chan Event, cfg.EventBuffer),
		environ:    os.Environ,
	}, nil
}

// Events returns the runner's bounded event channel. Registration and exit
// notifications are dropped, not blocked on, when no consumer keeps up.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// IsRunning reports whether the worker process is alive and serviceable.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// Start spawns the worker, waits for its bootstrap ready signal, and
// performs the init handshake.
func (r *Runner) Start(ctx context.Context) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"banyu.sandbox",
		"sandbox.start",
		attribute.String("plugin_id", r.cfg.PluginID),
	)
	defer span.End()
	ctx = tracing.WithPluginID(ctx, r.cfg.PluginID)

	r.mu.Lock()
	if r.state != stateNew {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(r.cfg.PluginPath)
	cmd.Env = append(workerEnv(r.cfg, r.environ()),
		EnvHeapLimitMB+"="+strconv.Itoa(r.cfg.MemoryLimitMB),
		EnvYoungGenMB+"="+strconv.Itoa(r.cfg.youngGenMB()),
		EnvCodeRegionMB+"="+strconv.Itoa(codeRegionMB),
		EnvStackMB+"="+strconv.Itoa(stackSizeMB),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker spawn: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker spawn: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker spawn: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker spawn: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.state = stateRunning
	r.mu.Unlock()

	go r.readLoop(stdout)
	go r.drainStderr(stderr)
	go r.waitExit()

	log.Debug().
		Str("plugin_id", r.cfg.PluginID).
		Str("path", r.cfg.PluginPath).
		Int("memory_limit_mb", r.cfg.MemoryLimitMB).
		Msg("Worker spawned")

	select {
	case <-r.ready:
	case <-time.After(r.cfg.ReadyTimeout):
		r.Terminate()
		span.SetStatus(codes.Error, "worker not ready")
		return ErrWorkerNotReady
	case <-ctx.Done():
		r.Terminate()
		return ctx.Err()
	}

	_, err = r.request(ctx, MessageInit, InitPayload{
		PluginPath:  r.cfg.PluginPath,
		PluginID:    r.cfg.PluginID,
		DataDir:     r.cfg.DataDir,
		Config:      r.cfg.Config,
		Permissions: r.cfg.Permissions,
	}, r.cfg.Timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("worker init: %w", err)
	}

	log.Info().Str("plugin_id", r.cfg.PluginID).Msg("Worker initialized")
	return nil
}

// Activate tells the worker to activate its plugin.
func (r *Runner) Activate(ctx context.Context) error {
	_, err := r.request(ctx, MessageActivate, struct{}{}, r.cfg.Timeout)
	return err
}

// Deactivate asks the worker to deactivate, best effort: a short grace
// timeout applies and failure is logged, not propagated, so shutdown can
// always proceed to Terminate.
func (r *Runner) Deactivate(ctx context.Context) {
	_, err := r.request(ctx, MessageDeactivate, struct{}{}, r.cfg.DeactivateGrace)
	if err != nil {
		log.Warn().
			Str("plugin_id", r.cfg.PluginID).
			Err(err).
			Msg("Worker deactivate failed")
	}
}

// Call invokes a named method inside the worker and returns its raw
// result. A timeout rejects the call and terminates the worker: a hung
// call means the worker can no longer be trusted with anything else.
func (r *Runner) Call(ctx context.Context, method string, args ...json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"banyu.sandbox",
		"sandbox.call",
		attribute.String("plugin_id", r.cfg.PluginID),
		attribute.String("method", method),
	)
	defer span.End()

	start := time.Now()
	result, err := r.request(ctx, MessageCall, CallPayload{Method: method, Args: args}, r.cfg.Timeout)

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrCallTimeout):
		status = "timeout"
	default:
		status = "error"
	}
	observability.RecordWorkerCall(r.cfg.PluginID, time.Since(start), status)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// request sends one correlated message and blocks for its outcome.
func (r *Runner) request(ctx context.Context, msgType MessageType, payload any, timeout time.Duration) (json.RawMessage, error) {
	id := gonanoid.Must()

	pc := &pendingCall{ch: make(chan callOutcome, 1)}

	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return nil, ErrWorkerNotRunning
	}
	r.pending[id] = pc
	r.mu.Unlock()

	pc.timer = time.AfterFunc(timeout, func() {
		if r.retire(id, &callOutcome{err: ErrCallTimeout}) {
			log.Warn().
				Str("plugin_id", r.cfg.PluginID).
				Str("request_id", id).
				Str("type", string(msgType)).
				Dur("timeout", timeout).
				Msg("Worker request timed out, terminating worker")
			r.terminateWith("timeout")
		}
	})

	if err := r.send(msgType, id, payload); err != nil {
		r.retire(id, nil)
		return nil, err
	}

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-ctx.Done():
		r.retire(id, nil)
		return nil, ctx.Err()
	}
}

// retire removes the pending entry for id and delivers out when non-nil.
// Whichever of response, error, or timeout calls this first wins; later
// calls for the same id find no entry and are no-ops.
func (r *Runner) retire(id string, out *callOutcome) bool {
	r.mu.Lock()
	pc, exists := r.pending[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	r.mu.Unlock()

	if pc.timer != nil {
		pc.timer.Stop()
	}
	if out != nil {
		pc.ch <- *out
	}
	return true
}

// rejectAllPending retires every in-flight request with err.
func (r *Runner) rejectAllPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingCall)
	r.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- callOutcome{err: err}
	}
}

func (r *Runner) send(msgType MessageType, id string, payload any) error {
	line, err := EncodeMessage(msgType, id, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	stdin := r.stdin
	running := r.state == stateRunning
	r.mu.Unlock()
	if !running || stdin == nil {
		return ErrWorkerNotRunning
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("worker write: %w", err)
	}
	return nil
}

// readLoop consumes the worker's stdout line by line. Every message is
// validated before dispatch; anything malformed is dropped and logged.
func (r *Runner) readLoop(stdout io.Reader) {
	defer close(r.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxWireLineLen)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			observability.RecordWorkerMessageDropped(r.cfg.PluginID, "validation")
			log.Warn().
				Str("plugin_id", r.cfg.PluginID).
				Err(err).
				Msg("Dropped invalid worker message")
			continue
		}

		observability.RecordWorkerMessage(r.cfg.PluginID, string(msg.Type))
		r.dispatch(msg)
	}

	// A scan error (most commonly a line past maxWireLineLen) stops the
	// loop without EOF; surface it so the dead stream is diagnosable.
	if err := scanner.Err(); err != nil {
		observability.RecordWorkerMessageDropped(r.cfg.PluginID, "stream")
		log.Warn().
			Str("plugin_id", r.cfg.PluginID).
			Err(err).
			Msg("Worker stdout stream aborted")
	}
}

func (r *Runner) dispatch(msg Message) {
	switch msg.Type {
	case MessageResponse:
		var p ResponsePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				observability.RecordWorkerMessageDropped(r.cfg.PluginID, "validation")
				log.Warn().Str("plugin_id", r.cfg.PluginID).Err(err).Msg("Dropped malformed response payload")
				return
			}
		}
		if p.Ready {
			r.signalReady()
			return
		}
		if !r.retire(msg.ID, &callOutcome{result: p.Result}) {
			observability.RecordWorkerMessageDropped(r.cfg.PluginID, "uncorrelated")
		}

	case MessageError:
		var p ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			observability.RecordWorkerMessageDropped(r.cfg.PluginID, "validation")
			return
		}
		if !r.retire(msg.ID, &callOutcome{err: sanitizeWorkerError(p)}) {
			observability.RecordWorkerMessageDropped(r.cfg.PluginID, "uncorrelated")
		}

	case MessageLog:
		var p LogPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		r.forwardLog(p)

	case MessageRegisterTool, MessageRegisterCommand:
		var p RegistrationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		r.handleRegistration(msg.Type, p)

	default:
		// init/activate/deactivate/call flow host-to-worker only.
		observability.RecordWorkerMessageDropped(r.cfg.PluginID, "direction")
		log.Warn().
			Str("plugin_id", r.cfg.PluginID).
			Str("type", string(msg.Type)).
			Msg("Dropped host-bound message type from worker")
	}
}

func (r *Runner) signalReady() {
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}
}

// handleRegistration enforces the namespacing rule before any event is
// emitted: a plugin may only claim names under its own "<pluginID>:"
// prefix.
func (r *Runner) handleRegistration(msgType MessageType, p RegistrationPayload) {
	prefix := r.cfg.PluginID + ":"
	if !strings.HasPrefix(p.Name, prefix) {
		observability.RecordWorkerMessageDropped(r.cfg.PluginID, "namespace")
		log.Warn().
			Str("plugin_id", r.cfg.PluginID).
			Str("name", p.Name).
			Msg("Rejected registration outside plugin namespace")
		return
	}

	evType := EventToolRegistered
	if msgType == MessageRegisterCommand {
		evType = EventCommandRegistered
	}
	r.emit(Event{
		Type:        evType,
		PluginID:    r.cfg.PluginID,
		Name:        p.Name,
		Description: p.Description,
		Schema:      p.Schema,
	})

	log.Debug().
		Str("plugin_id", r.cfg.PluginID).
		Str("name", p.Name).
		Str("kind", string(msgType)).
		Msg("Plugin registration accepted")
}

func (r *Runner) forwardLog(p LogPayload) {
	logger := log.With().Str("plugin_id", r.cfg.PluginID).Logger()
	level, err := zerolog.ParseLevel(p.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger.WithLevel(level).Msg(p.Message)
}

func (r *Runner) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case r.events <- ev:
	default:
		r.eventsDropped.Add(1)
		observability.RecordEventDropped("sandbox")
	}
}

// drainStderr forwards the worker's raw stderr to the host log.
func (r *Runner) drainStderr(stderr io.Reader) {
	defer close(r.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxWireLineLen)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Debug().Str("plugin_id", r.cfg.PluginID).Msg("worker stderr: " + line)
		}
	}
}

// waitExit reaps the worker process and rejects everything still pending
// when it dies before responding.
func (r *Runner) waitExit() {
	// cmd.Wait closes the stdio pipes once the process is reaped, which
	// can discard a response the worker wrote right before exiting. Both
	// reader goroutines must observe EOF before the process is waited on.
	<-r.readDone
	<-r.stderrDone
	err := r.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	r.mu.Lock()
	wasRunning := r.state == stateRunning
	if wasRunning {
		r.state = stateTerminated
	}
	r.mu.Unlock()

	if !wasRunning {
		// Terminate already handled pending calls and bookkeeping.
		return
	}

	r.rejectAllPending(&WorkerExitError{Code: code})
	observability.RecordWorkerTermination(r.cfg.PluginID, "exit")
	r.emit(Event{Type: EventWorkerExited, PluginID: r.cfg.PluginID, ExitCode: code})

	log.Warn().
		Str("plugin_id", r.cfg.PluginID).
		Int("exit_code", code).
		Msg("Worker exited")
}

// Terminate force-kills the worker and synchronously rejects every pending
// request. It is absorbing: once terminated, the runner never runs again.
func (r *Runner) Terminate() {
	r.terminateWith("terminate")
}

func (r *Runner) terminateWith(cause string) {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.state = stateTerminated
	cmd := r.cmd
	stdin := r.stdin
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	r.rejectAllPending(ErrWorkerTerminated)
	observability.RecordWorkerTermination(r.cfg.PluginID, cause)
	r.emit(Event{Type: EventWorkerTerminated, PluginID: r.cfg.PluginID})

	log.Info().
		Str("plugin_id", r.cfg.PluginID).
		Str("cause", cause).
		Msg("Worker terminated")
}

// sanitizeWorkerError caps and redacts worker-supplied error text so a
// hostile worker cannot flood host logs or echo secrets back to callers.
func sanitizeWorkerError(p ErrorPayload) error {
	msg := p.Message
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	stack := p.Stack
	if len(stack) > maxErrorStackLen {
		stack = stack[:maxErrorStackLen]
	}
	return &WorkerCallError{
		Message: errorRedactor.Redact(msg),
		Stack:   errorRedactor.Redact(stack),
	}
}
