package supervisor

import (
	"fmt"

	"pinentrybox/internal/launcher"
)

// Kind is the supervisor state observed by a probe.
type Kind int

const (
	KindUninitialized Kind = iota
	KindReady
	KindStarted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindReady:
		return "ready"
	case KindStarted:
		return "started"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the result of one probe. Handle is set for KindStarted and Err for
// KindFailed.
type State struct {
	Kind   Kind
	Handle launcher.Handle
	Err    error
}

func (s State) String() string {
	switch s.Kind {
	case KindStarted:
		return fmt.Sprintf("started (pid %d)", s.Handle.PID)
	case KindFailed:
		return fmt.Sprintf("failed: %v", s.Err)
	default:
		return s.Kind.String()
	}
}

func ready() State { return State{Kind: KindReady} }

func started(h launcher.Handle) State { return State{Kind: KindStarted, Handle: h} }

func failed(err error) (State, error) { return State{Kind: KindFailed, Err: err}, err }
