package coordinator

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/configstore"
	"github.com/mghosh4/morphus/internal/repl"
	"github.com/mghosh4/morphus/internal/reshard"
	"github.com/mghosh4/morphus/internal/routing"
)

// Server is the coordinator daemon's HTTP surface: the admin /command
// endpoint, a /health probe, and informational pages.
type Server struct {
	registry *Registry
	routing  *routing.Manager
	monitor  *HealthMonitor
}

// NewServer wires the full command set over a routing manager. The
// registry is populated here, explicitly, once.
func NewServer(rt *routing.Manager, client *repl.Client, coord *reshard.Coordinator, monitor *HealthMonitor) (*Server, error) {
	registry := NewRegistry()
	commands := []Command{
		&ReshardCommand{Coord: coord},
		&ShardCollectionCommand{Routing: rt, Client: client},
		&ListGroupsCommand{Routing: rt, Client: client},
		&RoutingVersionCommand{Routing: rt},
		&PingCommand{},
	}
	for _, cmd := range commands {
		if err := registry.Register(cmd); err != nil {
			return nil, err
		}
	}
	return &Server{registry: registry, routing: rt, monitor: monitor}, nil
}

// Registry exposes the command registry, mostly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the daemon's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/members/health", s.handleMemberHealth)
	return mux
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var st cluster.Status
		st.Fail(cluster.E(cluster.CodeValidation, "bad command document: %v", err))
		writeJSON(w, &st)
		return
	}
	body, _ := json.Marshal(raw)
	writeJSON(w, s.registry.Dispatch(r.Context(), raw, body))
}

func (s *Server) handleMemberHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, struct {
			Members []MemberHealth `json:"members"`
		}{})
		return
	}
	writeJSON(w, struct {
		Members []MemberHealth `json:"members"`
	}{Members: s.monitor.Status()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// MemberEndpoints flattens the group directory into the member list
// the health monitor probes.
func MemberEndpoints(ctx context.Context, store configstore.Store) []cluster.Endpoint {
	groups, err := store.Groups(ctx)
	if err != nil {
		return nil
	}
	var out []cluster.Endpoint
	for _, g := range groups {
		out = append(out, g.Seeds...)
	}
	return out
}
