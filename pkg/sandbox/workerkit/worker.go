// Package workerkit implements the worker side of the sandbox protocol so
// a plugin binary can be written as a plain Go program: implement Plugin,
// hand it to Serve, and the kit speaks the stdio wire protocol, applies
// the resource ceilings the host requested, and namespaces registrations.
package workerkit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/wiratama/banyu/pkg/sandbox"
)

// Plugin is the contract a sandboxed plugin implements. Call receives the
// raw method name without any namespace prefix handling; registration
// prefixes are applied by the Worker, not the plugin.
type Plugin interface {
	Init(ctx context.Context, init sandbox.InitPayload) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Call(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// Worker drives one Plugin over the wire protocol.
type Worker struct {
	plugin Plugin
	in     io.Reader
	out    io.Writer

	writeMu  sync.Mutex
	pluginID string
}

// NewWorker builds a worker over explicit pipes. Serve wires stdio.
func NewWorker(plugin Plugin, in io.Reader, out io.Writer) *Worker {
	return &Worker{plugin: plugin, in: in, out: out}
}

// Serve applies the host-provided resource ceilings, then runs the worker
// over stdin/stdout until the host closes the pipe.
func Serve(plugin Plugin) error {
	if err := applyResourceLimits(); err != nil {
		fmt.Fprintln(os.Stderr, "resource limits:", err)
	}
	return NewWorker(plugin, os.Stdin, os.Stdout).Run(context.Background())
}

// Run announces readiness and processes host messages until EOF.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.write(sandbox.MessageResponse, "", sandbox.ResponsePayload{Ready: true}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(w.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := sandbox.ParseMessage(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dropped host message:", err)
			continue
		}
		w.handle(ctx, msg)
	}
	return scanner.Err()
}

func (w *Worker) handle(ctx context.Context, msg sandbox.Message) {
	switch msg.Type {
	case sandbox.MessageInit:
		var p sandbox.InitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			w.replyError(msg.ID, fmt.Errorf("bad init payload: %w", err))
			return
		}
		w.pluginID = p.PluginID
		w.reply(msg.ID, nil, w.plugin.Init(ctx, p))

	case sandbox.MessageActivate:
		w.reply(msg.ID, nil, w.plugin.Activate(ctx))

	case sandbox.MessageDeactivate:
		w.reply(msg.ID, nil, w.plugin.Deactivate(ctx))

	case sandbox.MessageCall:
		var p sandbox.CallPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			w.replyError(msg.ID, fmt.Errorf("bad call payload: %w", err))
			return
		}
		result, err := w.plugin.Call(ctx, p.Method, p.Args)
		w.reply(msg.ID, result, err)

	default:
		// response/error/log/register-* flow worker-to-host only.
		fmt.Fprintln(os.Stderr, "dropped worker-bound message type:", msg.Type)
	}
}

func (w *Worker) reply(id string, result any, err error) {
	if err != nil {
		w.replyError(id, err)
		return
	}

	var raw json.RawMessage
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			w.replyError(id, fmt.Errorf("unserializable result: %w", merr))
			return
		}
		raw = data
	}
	_ = w.write(sandbox.MessageResponse, id, sandbox.ResponsePayload{Result: raw})
}

func (w *Worker) replyError(id string, err error) {
	_ = w.write(sandbox.MessageError, id, sandbox.ErrorPayload{Message: err.Error()})
}

// RegisterTool announces a tool under the plugin's namespace. Must be
// called after init, typically from Activate.
func (w *Worker) RegisterTool(name, description string, schema json.RawMessage) error {
	return w.write(sandbox.MessageRegisterTool, "", sandbox.RegistrationPayload{
		Name:        w.namespaced(name),
		Description: description,
		Schema:      schema,
	})
}

// RegisterCommand announces a command under the plugin's namespace.
func (w *Worker) RegisterCommand(name, description string) error {
	return w.write(sandbox.MessageRegisterCommand, "", sandbox.RegistrationPayload{
		Name:        w.namespaced(name),
		Description: description,
	})
}

// Log emits an unsolicited log line to the host.
func (w *Worker) Log(level, message string) error {
	return w.write(sandbox.MessageLog, "", sandbox.LogPayload{Level: level, Message: message})
}

func (w *Worker) namespaced(name string) string {
	prefix := w.pluginID + ":"
	if w.pluginID == "" || strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

func (w *Worker) write(msgType sandbox.MessageType, id string, payload any) error {
	line, err := sandbox.EncodeMessage(msgType, id, payload)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err = w.out.Write(line)
	return err
}
