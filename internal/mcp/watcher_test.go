package mcp

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.yaml")
	if err := os.WriteFile(path, []byte("mcpServers: {}\n"), 0o600); err != nil {
		t.Fatalf("seed config file: %v", err)
	}

	var fired int32
	w := NewConfigWatcher(path, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("mcpServers: {search: {command: search-server}}\n"), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected onChanged to fire after the config file was rewritten")
}

func TestConfigWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.yaml")
	if err := os.WriteFile(path, []byte("mcpServers: {}\n"), 0o600); err != nil {
		t.Fatalf("seed config file: %v", err)
	}

	var fired int32
	w := NewConfigWatcher(path, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected a write to an unrelated file not to trigger onChanged")
	}
}
