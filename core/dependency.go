package core

import "fmt"

// DependencyKind distinguishes who owns an edge and when it is checked.
type DependencyKind uint8

const (
	// ReadAfterWrite is owned by the consumer: the consumer may not start a
	// stripe until the producer has completed the stripes it reads.
	ReadAfterWrite DependencyKind = iota
	// WriteAfterRead is owned by the producer: a tile slot may not be
	// overwritten until its last reader has finished.
	WriteAfterRead
	// ScheduleTime is owned by the producer and bounds its look-ahead.
	ScheduleTime
)

func (k DependencyKind) String() string {
	switch k {
	case ReadAfterWrite:
		return "RAW"
	case WriteAfterRead:
		return "WAR"
	case ScheduleTime:
		return "Schedule"
	default:
		return fmt.Sprintf("DependencyKind(%d)", uint8(k))
	}
}

// MaxRelativeAgentPosition is the largest distance between two agents that
// a dependency can express.
const MaxRelativeAgentPosition = 127

// RelativeAgentID is the signed offset from the agent owning a dependency to
// the other end of the edge.
type RelativeAgentID int8

// NewRelativeAgentID returns other-owner, failing when the distance does not
// fit in the representable range.
func NewRelativeAgentID(owner, other AgentID) (RelativeAgentID, error) {
	d := int64(other) - int64(owner)
	if d > MaxRelativeAgentPosition || d < -MaxRelativeAgentPosition {
		return 0, AgentError(owner, ErrRelativeAgentDistance,
			"agent %d is %d agents away, limit is %d", other, d, MaxRelativeAgentPosition)
	}
	return RelativeAgentID(d), nil
}

// Ratio relates a number of stripes of the owning agent (Self) to a number
// of stripes of the other agent (Other).
type Ratio struct {
	Other uint16
	Self  uint16
}

// Dependency is one synchronisation edge between two agents.
type Dependency struct {
	RelativeAgentID RelativeAgentID
	// OuterRatio relates whole repeating runs of the two agents.
	OuterRatio Ratio
	// InnerRatio relates stripes within one repeating unit.
	InnerRatio Ratio
	// Boundary is 1 when one extra stripe of the other agent is needed.
	Boundary uint8
}

// Other returns the absolute id of the other end of the edge.
func (d Dependency) Other(owner AgentID) (AgentID, bool) {
	id := int64(owner) + int64(d.RelativeAgentID)
	if id < 0 {
		return 0, false
	}
	return AgentID(id), true
}

// Validate checks that all ratios are usable.
func (d Dependency) Validate() error {
	if d.OuterRatio.Self == 0 || d.OuterRatio.Other == 0 {
		return fmt.Errorf("outer ratio %d:%d has a zero term", d.OuterRatio.Self, d.OuterRatio.Other)
	}
	if d.InnerRatio.Self == 0 || d.InnerRatio.Other == 0 {
		return fmt.Errorf("inner ratio %d:%d has a zero term", d.InnerRatio.Self, d.InnerRatio.Other)
	}
	if d.Boundary > 1 {
		return fmt.Errorf("boundary %d is not 0 or 1", d.Boundary)
	}
	return nil
}

// LastNeededStripe maps stripe of the owning agent to the highest stripe
// index of the other agent it is tied to. For a RAW edge that is the last
// producer stripe that must be complete; for a WAR edge it is the last
// consumer stripe reading the given producer stripe.
//
// The result never exceeds the current outer unit nor otherTotal-1.
func (d Dependency) LastNeededStripe(stripe uint32, otherTotal uint16) uint32 {
	outerSelf := max(uint32(d.OuterRatio.Self), 1)
	outerOther := max(uint32(d.OuterRatio.Other), 1)
	innerSelf := max(uint32(d.InnerRatio.Self), 1)
	innerOther := max(uint32(d.InnerRatio.Other), 1)

	outerIdx := stripe / outerSelf
	innerIdx := stripe % outerSelf

	need := outerIdx*outerOther + (innerIdx/innerSelf+1)*innerOther + uint32(d.Boundary)
	need = min(need, (outerIdx+1)*outerOther)
	need = min(need, max(uint32(otherTotal), 1))
	return need - 1
}
