package rcon

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Handle identifies a session opened through a Registry.
type Handle string

// Registry maps opaque handles to live sessions so callers never hold a
// *Conn directly.
type Registry struct {
	opts []Option

	mu       sync.Mutex
	sessions map[Handle]*Conn
}

// NewRegistry creates an empty registry. opts are applied to every session it opens.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[Handle]*Conn),
	}
}

// Open dials host:port, authenticates and returns a handle for the session.
func (r *Registry) Open(ctx context.Context, host string, port int, password string) (Handle, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := Dial(ctx, addr, password, r.opts...)
	if err != nil {
		return "", err
	}

	h := Handle(uuid.NewString())

	r.mu.Lock()
	r.sessions[h] = conn
	r.mu.Unlock()

	return h, nil
}

// Exec runs command on the session behind h.
func (r *Registry) Exec(ctx context.Context, h Handle, command string) (string, error) {
	conn, err := r.get(h)
	if err != nil {
		return "", err
	}
	return conn.Exec(ctx, command)
}

// Close disconnects the session behind h. The handle is released even if
// the disconnect reports an error.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	conn, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrInvalidHandle, "handle %q", h)
	}
	return conn.Close()
}

// CloseAll disconnects every session and returns the first error seen.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[Handle]*Conn)
	r.mu.Unlock()

	var first error
	for _, conn := range sessions {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) get(h Handle) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sessions[h]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %q", h)
	}
	return conn, nil
}

var defaultRegistry = NewRegistry()

// Open opens a session on the default registry.
func Open(ctx context.Context, host string, port int, password string) (Handle, error) {
	return defaultRegistry.Open(ctx, host, port, password)
}

// Exec runs command on a session of the default registry.
func Exec(ctx context.Context, h Handle, command string) (string, error) {
	return defaultRegistry.Exec(ctx, h, command)
}

// Close closes a session of the default registry.
func Close(h Handle) error {
	return defaultRegistry.Close(h)
}
