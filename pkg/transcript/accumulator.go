package transcript

import (
	"sort"
	"strings"
)

// Accumulator reconciles fragments that carry stable result ids: finals are
// appended once, partials are tracked per id until their final arrives.
type Accumulator struct {
	stable    []string
	finalized map[string]struct{}
	partials  map[string]Fragment
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		finalized: make(map[string]struct{}),
		partials:  make(map[string]Fragment),
	}
}

func (a *Accumulator) Add(f Fragment) { a.AddFragment(f) }

func (a *Accumulator) AddFragment(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if !f.Partial {
		if f.ID != "" {
			if _, done := a.finalized[f.ID]; done {
				return
			}
			a.finalized[f.ID] = struct{}{}
			delete(a.partials, f.ID)
		}
		if text != "" {
			a.stable = append(a.stable, text)
		}
		return
	}
	if _, done := a.finalized[f.ID]; done && f.ID != "" {
		return
	}
	if text == "" {
		delete(a.partials, f.ID)
		return
	}
	prev, ok := a.partials[f.ID]
	if ok && strings.TrimSpace(prev.Text) == text {
		return
	}
	f.Text = text
	a.partials[f.ID] = f
}

func (a *Accumulator) CurrentText() string {
	parts := make([]string, 0, len(a.stable)+len(a.partials))
	parts = append(parts, a.stable...)
	for _, p := range a.orderedPartials() {
		parts = append(parts, p.Text)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (a *Accumulator) Text() string { return a.CurrentText() }

func (a *Accumulator) Unflushed() bool { return len(a.partials) > 0 }

func (a *Accumulator) Reset() {
	a.stable = nil
	a.finalized = make(map[string]struct{})
	a.partials = make(map[string]Fragment)
}

func (a *Accumulator) orderedPartials() []Fragment {
	out := make([]Fragment, 0, len(a.partials))
	timed := true
	for _, p := range a.partials {
		out = append(out, p)
		if !p.HasTiming {
			timed = false
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if timed && out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}
