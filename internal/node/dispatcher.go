package node

import (
	"fmt"
	"log/slog"
	"strings"
)

// Handler runs a command. Handlers are called on the polling goroutine
// and should return promptly.
type Handler interface {
	Handle()
}

// HandlerFunc adapts a plain function to [Handler].
type HandlerFunc func()

// Handle calls f.
func (f HandlerFunc) Handle() { f() }

// Command binds a command name to its handler. Label is the button
// name shown in Home Assistant; it defaults to Name.
type Command struct {
	Name    string
	Label   string
	Handler Handler
}

// Registry is the fixed, ordered set of commands a node accepts.
type Registry struct {
	commands []Command
}

// NewRegistry builds a registry from cmds in order. Names must be
// non-empty and unique, and every command needs a handler.
func NewRegistry(cmds ...Command) (*Registry, error) {
	seen := make(map[string]bool, len(cmds))
	r := &Registry{commands: make([]Command, 0, len(cmds))}
	for _, c := range cmds {
		if c.Name == "" {
			return nil, ErrEmptyCommand
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCommand, c.Name)
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("command %q has no handler", c.Name)
		}
		if c.Label == "" {
			c.Label = c.Name
		}
		seen[c.Name] = true
		r.commands = append(r.commands, c)
	}
	return r, nil
}

// Commands returns a copy of the registered commands in order.
func (r *Registry) Commands() []Command {
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Len returns the number of registered commands.
func (r *Registry) Len() int { return len(r.commands) }

// Lookup returns the handler for name, matching exactly.
func (r *Registry) Lookup(name string) (Handler, bool) {
	for _, c := range r.commands {
		if c.Name == name {
			return c.Handler, true
		}
	}
	return nil, false
}

// Dispatcher routes complete command strings to registered handlers.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if registry == nil {
		registry = &Registry{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch runs the handler registered for command and reports whether
// one was found. Surrounding whitespace is ignored.
func (d *Dispatcher) Dispatch(command string) bool {
	name := strings.TrimSpace(command)
	h, ok := d.registry.Lookup(name)
	if !ok {
		d.logger.Warn("unknown command", "command", name)
		return false
	}
	d.logger.Info("dispatching command", "command", name)
	h.Handle()
	return true
}
