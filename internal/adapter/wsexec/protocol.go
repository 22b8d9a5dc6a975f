// Package wsexec implements port/exec.Channel over a single persistent
// WebSocket connection to a sandboxed workspace. Many command executions are
// multiplexed over the one connection, matched by correlation id.
package wsexec

import "encoding/json"

// Envelope wraps every message with a type discriminator.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw defers payload decoding until the type is known.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Orchestrator -> sandbox

// ExecMessage starts a command. ID is the locally generated correlation id
// echoed back on every related message.
type ExecMessage struct {
	ID   string            `json:"id"`
	Argv []string          `json:"argv"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// Sandbox -> orchestrator

// OutputMessage is one streamed chunk of stdout or stderr.
type OutputMessage struct {
	ID     string `json:"id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

// CompleteMessage is the success terminal message.
type CompleteMessage struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exit_code"`
}

// ErrorMessage is the failure terminal message.
type ErrorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

const (
	TypeExec     = "exec"
	TypeOutput   = "output"
	TypeComplete = "complete"
	TypeError    = "error"
)
