package npm

import (
	"errors"
	"sync"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
)

// Handle holds the process-wide Client. The client is built on first use
// and the same instance, or the same failure, is returned from then on.
type Handle struct {
	once   sync.Once
	load   func() (Client, error)
	client Client
	err    error
}

// NewHandle returns a Handle that builds its client with load.
func NewHandle(load func() (Client, error)) *Handle {
	return &Handle{load: load}
}

// Get returns the client, loading it if this is the first call.
func (h *Handle) Get() (Client, error) {
	h.once.Do(func() {
		c, err := h.load()
		if err == nil && c == nil {
			err = errors.New("no registry client configured")
		}
		if err != nil {
			h.err = rerrors.Wrap(rerrors.CodeRegistryLoad, err, "loading registry client")
			return
		}
		h.client = c
	})
	return h.client, h.err
}
