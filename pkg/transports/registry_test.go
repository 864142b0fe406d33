package transports

import "testing"

func TestRegistryReplacesAndDrains(t *testing.T) {
	r := NewRegistry()
	ended := map[string]int{}
	if !r.Add("a", func() { ended["a1"]++ }) {
		t.Fatalf("add should succeed")
	}
	r.Add("a", func() { ended["a2"]++ })
	if ended["a1"] != 1 {
		t.Fatalf("replaced session should be ended")
	}
	r.Add("b", func() { ended["b"]++ })
	if r.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Count())
	}

	r.Drain()
	if r.Add("c", func() {}) {
		t.Fatalf("draining registry must refuse sessions")
	}
	r.Remove("b")
	r.CloseAll()
	if ended["a2"] != 1 || ended["b"] != 0 {
		t.Fatalf("unexpected end calls %v", ended)
	}
	if r.Count() != 0 {
		t.Fatalf("registry should be empty")
	}
}
