package serving

import (
	"context"
	"testing"
	"time"
)

func TestWatcherReloadsOnArtifactChange(t *testing.T) {
	path, first := savedPipeline(t)
	registry := NewRegistry(path, nil)
	if _, err := registry.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	reloaded := make(chan error, 4)
	w := NewWatcher(registry, 50*time.Millisecond, nil)
	w.OnReload(func(err error) { reloaded <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watcher: %v", err)
		}
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	second := trainTestPipeline(t)
	if err := second.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	current, _ := registry.Current()
	if current.ID() == first.ID() || current.ID() != second.ID() {
		t.Fatalf("expected artifact %s, got %s", second.ID(), current.ID())
	}
}
