package workerkit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wiratama/banyu/pkg/sandbox"
)

type fakePlugin struct {
	worker      *Worker
	initialized bool
	activated   bool
	deactivated bool
}

func (p *fakePlugin) Init(ctx context.Context, init sandbox.InitPayload) error {
	p.initialized = true
	return nil
}

func (p *fakePlugin) Activate(ctx context.Context) error {
	p.activated = true
	_ = p.worker.RegisterTool("search", "search things", nil)
	_ = p.worker.RegisterCommand("restart", "restart the thing")
	return nil
}

func (p *fakePlugin) Deactivate(ctx context.Context) error {
	p.deactivated = true
	return nil
}

func (p *fakePlugin) Call(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	switch method {
	case "add":
		var a, b int
		_ = json.Unmarshal(args[0], &a)
		_ = json.Unmarshal(args[1], &b)
		return a + b, nil
	case "fail":
		return nil, fmt.Errorf("no such resource")
	}
	return "pong", nil
}

// wirePair runs a Worker over in-memory pipes and returns host-side ends.
func wirePair(t *testing.T) (*fakePlugin, io.WriteCloser, *bufio.Scanner) {
	t.Helper()

	hostToWorker, workerIn := io.Pipe()
	workerOut, hostFromWorker := io.Pipe()

	plugin := &fakePlugin{}
	worker := NewWorker(plugin, hostToWorker, hostFromWorker)
	plugin.worker = worker

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = workerIn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop after host closed the pipe")
		}
	})

	scanner := bufio.NewScanner(workerOut)
	return plugin, workerIn, scanner
}

func readMessage(t *testing.T, scanner *bufio.Scanner) sandbox.Message {
	t.Helper()
	if !scanner.Scan() {
		t.Fatal("worker closed its output")
	}
	msg, err := sandbox.ParseMessage(scanner.Bytes())
	assert.NoError(t, err)
	return msg
}

func send(t *testing.T, w io.Writer, msgType sandbox.MessageType, id string, payload any) {
	t.Helper()
	line, err := sandbox.EncodeMessage(msgType, id, payload)
	assert.NoError(t, err)
	_, err = w.Write(line)
	assert.NoError(t, err)
}

func TestWorker_ReadySignal(t *testing.T) {
	_, _, scanner := wirePair(t)

	msg := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageResponse, msg.Type)

	var p sandbox.ResponsePayload
	assert.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.True(t, p.Ready)
}

func TestWorker_Lifecycle(t *testing.T) {
	plugin, in, scanner := wirePair(t)
	readMessage(t, scanner) // ready

	send(t, in, sandbox.MessageInit, "i1", sandbox.InitPayload{
		PluginPath: "/opt/demo",
		PluginID:   "demo",
	})
	msg := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageResponse, msg.Type)
	assert.Equal(t, "i1", msg.ID)
	assert.True(t, plugin.initialized)

	send(t, in, sandbox.MessageActivate, "a1", struct{}{})

	// Activation registers one tool and one command before the response,
	// both under the plugin's namespace.
	tool := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageRegisterTool, tool.Type)
	var reg sandbox.RegistrationPayload
	assert.NoError(t, json.Unmarshal(tool.Payload, &reg))
	assert.Equal(t, "demo:search", reg.Name)

	cmd := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageRegisterCommand, cmd.Type)
	assert.NoError(t, json.Unmarshal(cmd.Payload, &reg))
	assert.Equal(t, "demo:restart", reg.Name)

	resp := readMessage(t, scanner)
	assert.Equal(t, "a1", resp.ID)
	assert.True(t, plugin.activated)

	send(t, in, sandbox.MessageDeactivate, "d1", struct{}{})
	resp = readMessage(t, scanner)
	assert.Equal(t, "d1", resp.ID)
	assert.True(t, plugin.deactivated)
}

func TestWorker_CallDispatch(t *testing.T) {
	_, in, scanner := wirePair(t)
	readMessage(t, scanner) // ready

	two, _ := json.Marshal(2)
	three, _ := json.Marshal(3)
	send(t, in, sandbox.MessageCall, "c1", sandbox.CallPayload{
		Method: "add",
		Args:   []json.RawMessage{two, three},
	})

	msg := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageResponse, msg.Type)
	assert.Equal(t, "c1", msg.ID)

	var p sandbox.ResponsePayload
	assert.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.JSONEq(t, "5", string(p.Result))
}

func TestWorker_CallFailure(t *testing.T) {
	_, in, scanner := wirePair(t)
	readMessage(t, scanner) // ready

	send(t, in, sandbox.MessageCall, "c1", sandbox.CallPayload{Method: "fail"})

	msg := readMessage(t, scanner)
	assert.Equal(t, sandbox.MessageError, msg.Type)
	assert.Equal(t, "c1", msg.ID)

	var p sandbox.ErrorPayload
	assert.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "no such resource", p.Message)
}

func TestWorker_DropsWorkerBoundTypes(t *testing.T) {
	_, in, scanner := wirePair(t)
	readMessage(t, scanner) // ready

	// A hostile host-side echo of worker-only message types is ignored.
	send(t, in, sandbox.MessageLog, "", sandbox.LogPayload{Level: "info", Message: "loop"})

	send(t, in, sandbox.MessageCall, "c1", sandbox.CallPayload{Method: "ping"})
	msg := readMessage(t, scanner)
	assert.Equal(t, "c1", msg.ID)
}
