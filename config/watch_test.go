package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	sample := readSample(t)
	path := writeTempConfig(t, sample)

	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan AppConfig, 4)
	if err := w.Start(ctx, func(cfg AppConfig) { ch <- cfg }); err != nil {
		t.Fatalf("start: %v", err)
	}

	updated := strings.Replace(sample, "refreshIntervalMs: 5000", "refreshIntervalMs: 1500", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-ch:
			if cfg.Engine.RefreshIntervalMs == 1500 {
				if w.LastReload().IsZero() {
					t.Fatalf("last reload not recorded")
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected update callback")
		}
	}
}

func TestWatcherKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := writeTempConfig(t, readSample(t))
	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()
	called := false
	w.reload(func(AppConfig) { called = true })
	if !called {
		t.Fatalf("valid file should reload")
	}

	if err := os.WriteFile(path, []byte("symbol: ''\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	called = false
	w.reload(func(AppConfig) { called = true })
	if called {
		t.Fatalf("invalid config must not be applied")
	}
}

func TestWatcherCooldown(t *testing.T) {
	path := writeTempConfig(t, readSample(t))
	w, err := NewWatcher(path, time.Minute, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()
	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }

	n := 0
	w.reload(func(AppConfig) { n++ })
	w.reload(func(AppConfig) { n++ })
	if n != 1 {
		t.Fatalf("cooldown ignored, reloads=%d", n)
	}
	now = now.Add(2 * time.Minute)
	w.reload(func(AppConfig) { n++ })
	if n != 2 {
		t.Fatalf("reload after cooldown missing, reloads=%d", n)
	}
}

func TestWatcherStopsWithContext(t *testing.T) {
	path := writeTempConfig(t, readSample(t))
	w, err := NewWatcher(path, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop")
	}
}
