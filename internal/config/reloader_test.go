package config

import (
	"context"
	"sync"
	"testing"
)

// memorySource lets tests swap the config without touching the filesystem.
type memorySource struct {
	mu  sync.Mutex
	cfg Config
}

func (s *memorySource) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *memorySource) Watch(ctx context.Context, notify func()) error { return nil }

func (s *memorySource) set(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func TestNewReloaderRejectsInvalidInitialConfig(t *testing.T) {
	src := &memorySource{cfg: Default()} // no targets configured
	if _, err := NewReloader(src, nil); err == nil {
		t.Fatal("invalid initial config must be fatal")
	}
}

func TestReloaderCurrentSnapshot(t *testing.T) {
	r, err := NewReloader(&memorySource{cfg: validConfig()}, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	if got := r.Current(); len(got.Endpoints) != 1 {
		t.Fatalf("snapshot missing endpoints: %+v", got)
	}
}

func TestReloadAppliesValidConfig(t *testing.T) {
	mem := &memorySource{cfg: validConfig()}
	r, err := NewReloader(mem, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	next := validConfig()
	next.Endpoints = append(next.Endpoints, Endpoint{Name: "second", URL: "https://two.test/"})
	mem.set(next)

	if _, err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(r.Current().Endpoints) != 2 {
		t.Fatal("new snapshot not published")
	}
}

func TestReloadRejectsInvalidKeepsOld(t *testing.T) {
	mem := &memorySource{cfg: validConfig()}
	r, err := NewReloader(mem, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	bad := validConfig()
	bad.Schedule.Cron = "garbage"
	mem.set(bad)

	report, err := r.Reload()
	if err == nil {
		t.Fatal("invalid reload should error")
	}
	if report.Valid() {
		t.Fatal("report should carry errors")
	}
	if r.Current().Schedule.Cron == "garbage" {
		t.Fatal("invalid config must not be published")
	}
}

func TestReloadNotifiesListeners(t *testing.T) {
	mem := &memorySource{cfg: validConfig()}
	r, err := NewReloader(mem, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	var got []Config
	r.OnReload(func(cfg Config) { got = append(got, cfg) })

	next := validConfig()
	next.ListenAddr = ":9999"
	mem.set(next)
	if _, err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if len(got) != 1 || got[0].ListenAddr != ":9999" {
		t.Fatalf("listener not invoked with new snapshot: %+v", got)
	}
}

func TestReloadSkipsIdenticalConfig(t *testing.T) {
	mem := &memorySource{cfg: validConfig()}
	r, err := NewReloader(mem, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	calls := 0
	r.OnReload(func(Config) { calls++ })

	if _, err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if calls != 0 {
		t.Fatal("identical config must not re-notify listeners")
	}
}
