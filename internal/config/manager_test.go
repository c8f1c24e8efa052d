package config

import "testing"

func TestRWMutexManagerGetReturnsClone(t *testing.T) {
	cfg := &Config{Scheduler: Scheduler{Lanes: []string{"backend"}}}
	m := NewManager(cfg)

	got := m.Get()
	got.Scheduler.Lanes[0] = "mutated"

	again := m.Get()
	if again.Scheduler.Lanes[0] != "backend" {
		t.Fatalf("Get() leaked shared state: %v", again.Scheduler.Lanes)
	}
}

func TestRWMutexManagerSetAndReload(t *testing.T) {
	cfg := &Config{Scheduler: Scheduler{Lanes: []string{"backend"}}}
	m := NewManager(cfg)

	m.Set(&Config{Scheduler: Scheduler{Lanes: []string{"frontend"}}})
	if got := m.Get().Scheduler.Lanes[0]; got != "frontend" {
		t.Fatalf("expected frontend after Set, got %s", got)
	}

	if err := m.Reload(""); err == nil {
		t.Fatal("expected error reloading with empty path")
	}
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *RWMutexManager
	if m.Get() != nil {
		t.Fatal("expected nil Get() on nil manager")
	}
	m.Set(&Config{}) // must not panic
}
