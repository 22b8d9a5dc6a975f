package wsexec

import (
	"context"
	"fmt"
	"sync"

	portexec "github.com/alanyang/agent-forge/internal/port/exec"
)

var _ portexec.Provider = (*Registry)(nil)

// Registry keeps one channel per sandbox, dialing lazily. A channel whose
// connection has dropped is discarded and replaced on the next For call.
type Registry struct {
	urlFor func(sandboxID string) string

	mu    sync.Mutex
	chans map[string]*Channel
}

// NewRegistry builds a registry; urlFor maps a sandbox id to its websocket
// exec endpoint.
func NewRegistry(urlFor func(sandboxID string) string) *Registry {
	return &Registry{
		urlFor: urlFor,
		chans:  make(map[string]*Channel),
	}
}

func (r *Registry) For(ctx context.Context, sandboxID string) (portexec.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.chans[sandboxID]; ok {
		if !c.Dead() {
			return c, nil
		}
		delete(r.chans, sandboxID)
	}

	c, err := Dial(ctx, r.urlFor(sandboxID))
	if err != nil {
		return nil, fmt.Errorf("opening exec channel to sandbox %s: %w", sandboxID, err)
	}
	r.chans[sandboxID] = c
	return c, nil
}

// CloseAll tears down every live channel; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.chans {
		c.Close() //nolint:errcheck
		delete(r.chans, id)
	}
}
