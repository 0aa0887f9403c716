package process

import "github.com/gridlink/gridlink/internal/model"

// Stream names an output pipe.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is emitted by the supervisor. The set is closed: Output, StateChanged
// and Exited.
type Event interface {
	ProcessID() string
	isEvent()
}

// Output is one line (or final partial line) read from a child.
type Output struct {
	GridID string
	ID     string
	Stream Stream
	Data   []byte
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	GridID string
	ID     string
	From   model.ResourceState
	To     model.ResourceState
}

// Exited is the terminal event of a child.
type Exited struct {
	GridID string
	ID     string
	Code   int
	State  model.ResourceState
}

func (e Output) ProcessID() string       { return e.ID }
func (e StateChanged) ProcessID() string { return e.ID }
func (e Exited) ProcessID() string       { return e.ID }

func (Output) isEvent()       {}
func (StateChanged) isEvent() {}
func (Exited) isEvent()       {}
