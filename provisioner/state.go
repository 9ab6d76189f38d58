package provisioner

type State string

const (
	StateResolving         State = "resolving"
	StateRequesting        State = "requesting"
	StateCreated           State = "created"
	StateAwaitingActive    State = "awaiting-active"
	StateAwaitingReachable State = "awaiting-reachable"
	StateDone              State = "done"
	StateInterrupted       State = "interrupted"
	StateFailed            State = "failed"
)

func (s State) IsFinal() bool {
	return s == StateDone || s == StateInterrupted || s == StateFailed
}

// Result is the outcome of a provisioning run. Instance is nil when the run ended before
// the instance was created.
type Result struct {
	State    State
	Instance *Instance
}
