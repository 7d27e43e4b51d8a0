package sandbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMessage_ValidCall(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"response","id":"req-1","payload":{"result":42}}`))

	assert.NoError(t, err)
	assert.Equal(t, MessageResponse, msg.Type)
	assert.Equal(t, "req-1", msg.ID)
}

func TestParseMessage_UnknownType(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"exec-shell","id":"1"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestParseMessage_NonStringID(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"response","id":42}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "id must be a string")
}

func TestParseMessage_MalformedJSON(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestParseMessage_LogValidation(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"log","payload":{"level":"info","message":"hello"}}`))
	assert.NoError(t, err)

	_, err = ParseMessage([]byte(`{"type":"log","payload":{"level":"info"}}`))
	assert.Error(t, err, "missing message must be rejected")

	_, err = ParseMessage([]byte(`{"type":"log","payload":{"level":5,"message":"hi"}}`))
	assert.Error(t, err, "non-string level must be rejected")

	huge, _ := json.Marshal(map[string]string{
		"level":   "info",
		"message": strings.Repeat("x", maxLogMessageLen+1),
	})
	_, err = ParseMessage([]byte(`{"type":"log","payload":` + string(huge) + `}`))
	assert.Error(t, err, "oversized message must be rejected")
}

func TestParseMessage_ErrorValidation(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"error","id":"1","payload":{"message":"boom"}}`))
	assert.NoError(t, err)

	_, err = ParseMessage([]byte(`{"type":"error","id":"1","payload":{}}`))
	assert.Error(t, err)
}

func TestParseMessage_RegistrationValidation(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"register-tool","payload":{"name":"demo:search","description":"search things"}}`))
	assert.NoError(t, err)

	// Missing description on a tool.
	_, err = ParseMessage([]byte(`{"type":"register-tool","payload":{"name":"demo:search"}}`))
	assert.Error(t, err)

	// Commands do not need a description.
	_, err = ParseMessage([]byte(`{"type":"register-command","payload":{"name":"demo:restart"}}`))
	assert.NoError(t, err)

	// Invalid characters in the name.
	_, err = ParseMessage([]byte(`{"type":"register-tool","payload":{"name":"demo tool!","description":"d"}}`))
	assert.Error(t, err)

	// Missing payload entirely.
	_, err = ParseMessage([]byte(`{"type":"register-tool"}`))
	assert.Error(t, err)
}

func TestEncodeMessage(t *testing.T) {
	line, err := EncodeMessage(MessageCall, "abc", CallPayload{Method: "greet"})
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))

	msg, err := ParseMessage(line)
	assert.NoError(t, err)
	assert.Equal(t, MessageCall, msg.Type)
	assert.Equal(t, "abc", msg.ID)
}
