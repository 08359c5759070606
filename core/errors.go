package core

import (
	"errors"
	"fmt"
)

// Construction error kinds. A *ConstructionError wraps exactly one of these.
var (
	ErrEmptyGraph            = errors.New("operation graph is empty")
	ErrInvalidGraph          = errors.New("invalid operation graph")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrUnsupportedDependency = errors.New("no dependency rule for agent pairing")
	ErrUnknownEnum           = errors.New("unrecognised enumerated value")
	ErrRelativeAgentDistance = errors.New("agents too far apart for a relative dependency")
	ErrZeroStripes           = errors.New("agent has zero stripes")
	ErrDanglingDependency    = errors.New("dependency refers to a missing agent")
	ErrScheduleStalled       = errors.New("no agent can make progress")
)

// NoAgent marks a ConstructionError that is not tied to an agent.
const NoAgent = -1

// ConstructionError reports why agents, dependencies or queues could not be
// built for an operation graph. It identifies the operation, the agent, or
// both.
type ConstructionError struct {
	Op     string
	Agent  int
	Detail string
	Err    error
}

func (e *ConstructionError) Error() string {
	msg := e.Err.Error()
	switch {
	case e.Op != "" && e.Agent >= 0:
		msg = fmt.Sprintf("op %s, agent %d: %s", e.Op, e.Agent, msg)
	case e.Op != "":
		msg = fmt.Sprintf("op %s: %s", e.Op, msg)
	case e.Agent >= 0:
		msg = fmt.Sprintf("agent %d: %s", e.Agent, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// OpError builds a ConstructionError for an operation.
func OpError(op string, kind error, format string, args ...any) *ConstructionError {
	return &ConstructionError{Op: op, Agent: NoAgent, Detail: fmt.Sprintf(format, args...), Err: kind}
}

// AgentError builds a ConstructionError for an agent.
func AgentError(agent AgentID, kind error, format string, args ...any) *ConstructionError {
	return &ConstructionError{Agent: int(agent), Detail: fmt.Sprintf(format, args...), Err: kind}
}

// IsConstructionError reports whether err carries a ConstructionError.
func IsConstructionError(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}
