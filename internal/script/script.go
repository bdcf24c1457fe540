// Package script defines the capability the interpreter pool needs from a
// scripting engine and provides Lua, JavaScript and WASM implementations.
//
// A Runtime turns script content into an Instance. An Instance keeps its
// loaded state between requests and runs a named entrypoint once per request
// against a Call. Instances are never used by two goroutines at once.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andrei-cloud/go_fcgid/internal/monitor"
)

var (
	// ErrNoEntrypoint is returned when the requested entrypoint is missing.
	ErrNoEntrypoint = errors.New("script: entrypoint not defined")
	// ErrUnsupported is returned when no runtime handles a resource.
	ErrUnsupported = errors.New("script: no runtime for resource")
)

// Runtime loads script content into a fresh execution context.
type Runtime interface {
	Load(ctx context.Context, key string, content []byte) (Instance, error)
}

// Instance is a loaded execution context.
type Instance interface {
	// Invoke runs entrypoint with call. Errors raised by the script are
	// returned with the script message.
	Invoke(ctx context.Context, entrypoint string, call *Call) error
	Close() error
}

// Call is the per-request view handed to a script.
type Call struct {
	Key        string
	Dir        string
	Env        map[string]string
	Body       []byte
	Slot       int
	Worker     uint64
	ServerInfo func() map[string]int
	Response   *Response
}

func (c *Call) serverInfo() map[string]int {
	if c.ServerInfo == nil {
		return map[string]int{}
	}

	return c.ServerInfo()
}

// Mux picks a runtime by the extension of the resource key.
type Mux struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{runtimes: make(map[string]Runtime)}
}

// Handle registers rt for keys ending in ext (".lua", ".js", ...).
func (m *Mux) Handle(ext string, rt Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runtimes[ext] = rt
}

// Extensions lists the registered extensions.
func (m *Mux) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.runtimes))
	for ext := range m.runtimes {
		out = append(out, ext)
	}

	return out
}

// Load dispatches to the runtime registered for the key's extension.
func (m *Mux) Load(ctx context.Context, key string, content []byte) (Instance, error) {
	ext := monitor.Ext(key)

	m.mu.RLock()
	rt, ok := m.runtimes[ext]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, key)
	}

	return rt.Load(ctx, key, content)
}

// Close closes every registered runtime that holds resources.
func (m *Mux) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, rt := range m.runtimes {
		if c, ok := rt.(interface{ Close(context.Context) error }); ok {
			errs = append(errs, c.Close(ctx))
		}
	}

	return errors.Join(errs...)
}

// NewDefaultMux registers the Lua runtime for ".lua", goja for ".js" and
// wazero for ".wasm". prelude is run in every Lua state before the script.
func NewDefaultMux(ctx context.Context, prelude []byte, preludeName string) (*Mux, error) {
	wasm, err := NewWasmRuntime(ctx)
	if err != nil {
		return nil, err
	}

	m := NewMux()
	m.Handle(".lua", &LuaRuntime{Prelude: prelude, PreludeName: preludeName})
	m.Handle(".js", &JSRuntime{})
	m.Handle(".wasm", wasm)

	return m, nil
}
