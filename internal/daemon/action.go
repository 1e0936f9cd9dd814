package daemon

import "fmt"

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionStart ActionKind = "start"
	ActionStop  ActionKind = "stop"
)

// Action is one instruction from the coordinator to a host agent.
// Stop actions carry a timeout; start actions ignore it.
type Action struct {
	ID             uint64     `json:"id"`
	Kind           ActionKind `json:"kind"`
	Daemon         Spec       `json:"daemon"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
}

func NewStart(id uint64, spec Spec) Action {
	return Action{ID: id, Kind: ActionStart, Daemon: spec}
}

func NewStop(id uint64, spec Spec) Action {
	return Action{ID: id, Kind: ActionStop, Daemon: spec, TimeoutSeconds: DefaultStopTimeout}
}

// StatusOnSuccess is the observed status a completed action leads to.
func (a Action) StatusOnSuccess() (Status, error) {
	switch a.Kind {
	case ActionStart:
		return StatusRunning, nil
	case ActionStop:
		return StatusStopped, nil
	}
	return "", fmt.Errorf("unknown action kind %q", a.Kind)
}

func (a Action) String() string {
	return fmt.Sprintf("%s(%s)#%d", a.Kind, a.Daemon.Name, a.ID)
}
