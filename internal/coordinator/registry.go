package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mghosh4/morphus/internal/cluster"
)

// Command is one admin command. Run returns a reply document that
// embeds cluster.Status; errors are folded into the envelope by the
// dispatcher, so Run only returns documents.
type Command interface {
	// Name is the identifying field of the command document.
	Name() string
	// Run executes the command against the full request body.
	Run(ctx context.Context, body json.RawMessage) any
}

// Registry maps command names to handlers. It is populated explicitly
// at daemon start-up and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command; duplicate names are a programming error.
func (r *Registry) Register(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[cmd.Name()]; dup {
		return fmt.Errorf("command %q registered twice", cmd.Name())
	}
	r.commands[cmd.Name()] = cmd
	return nil
}

// Names lists the registered commands, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch finds the command named by the document's fields and runs
// it. Unknown commands fail with Validation.
func (r *Registry) Dispatch(ctx context.Context, raw map[string]json.RawMessage, body json.RawMessage) any {
	r.mu.RLock()
	var cmd Command
	for name, c := range r.commands {
		if _, ok := raw[name]; ok {
			cmd = c
			break
		}
	}
	r.mu.RUnlock()

	if cmd == nil {
		var st cluster.Status
		st.Fail(cluster.E(cluster.CodeValidation, "no such command"))
		return &st
	}
	return cmd.Run(ctx, body)
}
