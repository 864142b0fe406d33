// Package runner drives the gateway process lifecycle: start, wait for a
// shutdown signal, drain calls in progress, then stop.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the wait. A failing OnStart aborts Run; OnStop always
// runs after draining.
type Hooks struct {
	OnStart func() error
	OnStop  func() error
}

// Drainer lets calls in progress finish before the process stops.
type Drainer interface {
	Drain() error
}

// Version is stamped at build time with -ldflags "-X ...runner.Version=".
var Version = "dev"

// PrintBanner writes the startup banner. A nil writer prints nothing.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"VOXBRIDGE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
