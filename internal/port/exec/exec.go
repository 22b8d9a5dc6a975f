package exec

import (
	"context"
	"errors"
)

// ErrConnectionClosed is wrapped into the failure of every invocation still
// outstanding when the channel's connection drops, and into Exec calls made
// after the drop. Nothing is left waiting for a terminal message that will
// never arrive.
var ErrConnectionClosed = errors.New("exec: connection closed")

// Stream tags an output chunk.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Command is a shell invocation inside the remote workspace.
type Command struct {
	Argv []string          `json:"argv"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// Result is the terminal outcome of one invocation. Stdout and Stderr hold the
// accumulated chunks; callers that only want streaming can ignore them.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OutputFunc receives streamed chunks in arrival order. May be nil.
type OutputFunc func(stream Stream, data string)

// Channel multiplexes many concurrent command executions over one persistent
// connection to a sandboxed workspace.
type Channel interface {
	Exec(ctx context.Context, cmd Command, onOutput OutputFunc) (Result, error)
	Close() error
}

// Provider hands out the channel bound to a sandbox instance, dialing on first
// use. A dropped channel is replaced on the next call.
type Provider interface {
	For(ctx context.Context, sandboxID string) (Channel, error)
}
