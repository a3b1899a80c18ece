package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/tracing"
)

// Manager owns a pool of Clients built from a server config map, and routes
// tool calls by name across the earliest-registered owner. Grounded on a
// similar tool-server manager, adapted to this module's earliest-wins
// collision policy and flat name->server index.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	clients   map[string]*Client
	configs   map[string]ServerConfig // last-applied config per server, for reload diffing
	toolIndex map[string]string       // toolName -> serverName, earliest wins
	catalog   []ToolDefinition

	metrics *metrics.Metrics
	tracer  *tracing.Tracer
}

// SetMetrics attaches a metrics recorder. Optional; nil disables recording.
func (m *Manager) SetMetrics(met *metrics.Metrics) {
	m.metrics = met
}

// SetTracer attaches a span tracer. Optional; nil disables tracing.
func (m *Manager) SetTracer(t *tracing.Tracer) {
	m.tracer = t
}

// NewManager constructs an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "mcp-manager"),
		clients:   make(map[string]*Client),
		configs:   make(map[string]ServerConfig),
		toolIndex: make(map[string]string),
	}
}

// Start spawns one Client per stdio server config, in the order given.
// Entries with no Command (URL-only, non-stdio) are skipped with a log
// line. A server that fails to start is logged and absent from the
// catalog; startup continues with the remaining servers.
func (m *Manager) Start(ctx context.Context, servers []ServerConfig) {
	for _, cfg := range servers {
		if cfg.Command == "" {
			m.logger.Info("skipping non-stdio mcp server entry", "server", cfg.Name, "url", cfg.URL)
			continue
		}

		client := NewClient(cfg, m.logger)
		if err := client.Start(ctx); err != nil {
			m.logger.Error("mcp server failed to start", "server", cfg.Name, "error", err)
			continue
		}

		m.mu.Lock()
		m.clients[cfg.Name] = client
		m.configs[cfg.Name] = cfg
		m.registerTools(client.Tools())
		m.mu.Unlock()
	}
	m.updateConnectionGauge()
}

// updateConnectionGauge reports the current number of connected MCP child
// processes, if a metrics recorder is attached.
func (m *Manager) updateConnectionGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := len(m.clients)
	m.mu.RUnlock()
	m.metrics.MCPServerConnections.Set(float64(n))
}

// Reload diffs servers against the currently-running set and reconnects
// only what changed: servers removed from config are disconnected,
// servers whose command/args/env changed are disconnected and
// reconnected, and newly-added servers are connected. Unchanged servers
// are left running untouched. HTTP-transport (URL-only) entries are
// skipped, same as Start. The tool catalog is rebuilt from scratch
// afterward so earliest-registered-wins stays deterministic across config
// position rather than reload call order.
func (m *Manager) Reload(ctx context.Context, servers []ServerConfig) {
	desired := make(map[string]ServerConfig, len(servers))
	names := make([]string, 0, len(servers))
	for _, cfg := range servers {
		if cfg.Command == "" {
			continue
		}
		desired[cfg.Name] = cfg
		names = append(names, cfg.Name)
	}
	sort.Strings(names)

	m.mu.Lock()
	var toStop []*Client
	for name, client := range m.clients {
		if _, stillWanted := desired[name]; !stillWanted {
			toStop = append(toStop, client)
			delete(m.clients, name)
			delete(m.configs, name)
			m.logger.Info("mcp server removed from config, disconnecting", "server", name)
		}
	}
	m.mu.Unlock()
	for _, c := range toStop {
		c.Stop()
	}

	for _, name := range names {
		cfg := desired[name]
		m.mu.RLock()
		existing, running := m.configs[name]
		m.mu.RUnlock()

		if running && serverConfigEqual(existing, cfg) {
			continue
		}
		if running {
			m.mu.Lock()
			old := m.clients[name]
			delete(m.clients, name)
			delete(m.configs, name)
			m.mu.Unlock()
			old.Stop()
			m.logger.Info("mcp server config changed, reconnecting", "server", name)
		}

		client := NewClient(cfg, m.logger)
		if err := client.Start(ctx); err != nil {
			m.logger.Error("mcp server failed to (re)start during reload", "server", name, "error", err)
			continue
		}
		m.mu.Lock()
		m.clients[name] = client
		m.configs[name] = cfg
		m.mu.Unlock()
	}

	m.rebuildCatalog()
	m.updateConnectionGauge()
}

// rebuildCatalog re-derives the tool catalog and name index from every
// currently-running client, in sorted server-name order, so
// earliest-registered-wins is stable regardless of connect order.
func (m *Manager) rebuildCatalog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	m.toolIndex = make(map[string]string)
	m.catalog = nil
	for _, name := range names {
		m.registerTools(m.clients[name].Tools())
	}
}

// serverConfigEqual reports whether two server configs would produce an
// identical running child process.
func serverConfigEqual(a, b ServerConfig) bool {
	return a.Command == b.Command &&
		reflect.DeepEqual(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env)
}

// registerTools merges a server's discovered tools into the flat catalog
// and name index. Must be called with m.mu held for writing.
func (m *Manager) registerTools(tools []ToolDefinition) {
	for _, t := range tools {
		if owner, exists := m.toolIndex[t.Name]; exists {
			m.logger.Warn("tool name collision, keeping earliest registration",
				"tool", t.Name, "kept_server", owner, "dropped_server", t.ServerName)
			continue
		}
		m.toolIndex[t.Name] = t.ServerName
		m.catalog = append(m.catalog, t)
	}
}

// StopAll terminates every managed server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.configs = make(map[string]ServerConfig)
	m.toolIndex = make(map[string]string)
	m.catalog = nil
	m.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
	m.updateConnectionGauge()
}

// GetToolDefinitions returns the flat tool catalog, ordered by server
// registration then discovery order.
func (m *Manager) GetToolDefinitions() []ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolDefinition, len(m.catalog))
	copy(out, m.catalog)
	return out
}

// ActiveServerNames returns the names of servers currently running, sorted.
func (m *Manager) ActiveServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool dispatches a tool call to its owning server. Returns
// ErrToolNotFound (distinct from a tool result carrying IsError) when no
// active server owns the name.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) (result *CallResult, err error) {
	m.mu.RLock()
	serverName, ok := m.toolIndex[name]
	var client *Client
	if ok {
		client = m.clients[serverName]
	}
	m.mu.RUnlock()

	if !ok || client == nil {
		if m.metrics != nil {
			m.metrics.RecordToolCall(name, true)
		}
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartToolCall(ctx, name)
		defer func() {
			tracing.RecordError(span, err)
			span.End()
		}()
	}

	result, err = client.CallTool(ctx, name, arguments)
	if m.metrics != nil {
		m.metrics.RecordToolCall(name, err != nil || (result != nil && result.IsError))
	}
	return result, err
}
