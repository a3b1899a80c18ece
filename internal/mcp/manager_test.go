package mcp

import "testing"

func TestManagerRegisterToolsEarliestWins(t *testing.T) {
	m := NewManager(nil)

	m.mu.Lock()
	m.registerTools([]ToolDefinition{{ServerName: "alpha", Name: "search"}})
	m.registerTools([]ToolDefinition{{ServerName: "beta", Name: "search"}, {ServerName: "beta", Name: "fetch"}})
	m.mu.Unlock()

	defs := m.GetToolDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(defs))
	}

	m.mu.RLock()
	owner := m.toolIndex["search"]
	m.mu.RUnlock()
	if owner != "alpha" {
		t.Fatalf("expected earliest-registered server alpha to own 'search', got %q", owner)
	}
}

func TestManagerCallToolNotFound(t *testing.T) {
	m := NewManager(nil)
	_, err := m.CallTool(nil, "missing", nil) //nolint:staticcheck // no network call happens on this path
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
