package transcript

import (
	"testing"
	"time"
)

func TestAccumulatorFinalReplacesPartial(t *testing.T) {
	a := NewAccumulator()
	a.AddFragment(Fragment{ID: "r1", Text: "quiero", Partial: true})
	a.AddFragment(Fragment{ID: "r1", Text: "quiero saber", Partial: true})
	if got := a.CurrentText(); got != "quiero saber" {
		t.Fatalf("unexpected partial text %q", got)
	}
	a.AddFragment(Fragment{ID: "r1", Text: " quiero saber mi saldo "})
	if got := a.CurrentText(); got != "quiero saber mi saldo" {
		t.Fatalf("unexpected text %q", got)
	}
	if a.Unflushed() {
		t.Fatalf("no partials should remain")
	}
}

func TestAccumulatorFinalIsIdempotent(t *testing.T) {
	a := NewAccumulator()
	f := Fragment{ID: "r1", Text: "hola"}
	a.AddFragment(f)
	a.AddFragment(f)
	if got := a.CurrentText(); got != "hola" {
		t.Fatalf("duplicate final changed stable text: %q", got)
	}
	a.AddFragment(Fragment{ID: "r1", Text: "hola otra vez", Partial: true})
	if got := a.CurrentText(); got != "hola" {
		t.Fatalf("late partial for finalized id leaked: %q", got)
	}
}

func TestAccumulatorOrdersPartials(t *testing.T) {
	a := NewAccumulator()
	a.AddFragment(Fragment{ID: "a", Text: "primero"})
	a.AddFragment(Fragment{ID: "z", Text: "dos", Partial: true, Start: time.Second, HasTiming: true})
	a.AddFragment(Fragment{ID: "m", Text: "uno", Partial: true, Start: 0, HasTiming: true})
	if got := a.CurrentText(); got != "primero uno dos" {
		t.Fatalf("expected time ordering, got %q", got)
	}

	b := NewAccumulator()
	b.AddFragment(Fragment{ID: "2", Text: "b", Partial: true, Start: 0, HasTiming: true})
	b.AddFragment(Fragment{ID: "1", Text: "a", Partial: true})
	if got := b.CurrentText(); got != "a b" {
		t.Fatalf("expected id ordering without full timing, got %q", got)
	}
}

func TestAccumulatorEmptyAndReset(t *testing.T) {
	a := NewAccumulator()
	if a.CurrentText() != "" {
		t.Fatalf("expected empty text")
	}
	a.AddFragment(Fragment{ID: "x", Text: "   "})
	a.AddFragment(Fragment{ID: "y", Text: "algo", Partial: true})
	a.AddFragment(Fragment{ID: "y", Text: " ", Partial: true})
	if a.CurrentText() != "" || a.Unflushed() {
		t.Fatalf("blank fragments should not accumulate")
	}
	a.AddFragment(Fragment{ID: "z", Text: "texto"})
	a.Reset()
	if a.CurrentText() != "" {
		t.Fatalf("reset did not clear")
	}
	a.AddFragment(Fragment{ID: "z", Text: "texto"})
	if a.CurrentText() != "texto" {
		t.Fatalf("finalized ids must clear on reset")
	}
}
