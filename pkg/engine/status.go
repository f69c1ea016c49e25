package engine

import (
	"encoding/json"
	"fmt"
)

// UnitStatus represents the lifecycle position of a manufactured unit.
type UnitStatus string

const (
	// UnitStatusProduction indicates the unit is still being assembled.
	UnitStatusProduction UnitStatus = "production"

	// UnitStatusBuilt indicates all production stages are complete.
	UnitStatusBuilt UnitStatus = "built"

	// UnitStatusRevision indicates one or more stages were sent back for rework.
	UnitStatusRevision UnitStatus = "revision"

	// UnitStatusApproved indicates the unit passed its acceptance protocol.
	UnitStatusApproved UnitStatus = "approved"

	// UnitStatusFinalized indicates the passport is closed for changes.
	UnitStatusFinalized UnitStatus = "finalized"
)

var unitTransitions = map[UnitStatus][]UnitStatus{
	UnitStatusProduction: {UnitStatusBuilt, UnitStatusRevision},
	UnitStatusBuilt:      {UnitStatusRevision, UnitStatusApproved},
	UnitStatusRevision:   {UnitStatusRevision, UnitStatusBuilt},
	UnitStatusApproved:   {UnitStatusFinalized},
	UnitStatusFinalized:  {},
}

// IsTerminal returns true if the status admits no further transitions.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusFinalized
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s UnitStatus) CanTransitionTo(next UnitStatus) bool {
	for _, candidate := range unitTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusProduction, UnitStatusBuilt, UnitStatusRevision,
		UnitStatusApproved, UnitStatusFinalized:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UnitStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitStatus(str)
	return s.Validate()
}

// ProtocolStatus represents the stage of a quality-test protocol.
// States are ordered; the last one is terminal.
type ProtocolStatus string

const (
	// ProtocolStatusFirstStage indicates the first test stage passed.
	ProtocolStatusFirstStage ProtocolStatus = "first-stage-passed"

	// ProtocolStatusSecondStage indicates the second test stage passed.
	ProtocolStatusSecondStage ProtocolStatus = "second-stage-passed"

	// ProtocolStatusApproved indicates the protocol is approved and immutable.
	ProtocolStatusApproved ProtocolStatus = "approved"
)

var protocolLabels = map[ProtocolStatus]string{
	ProtocolStatusFirstStage:  "Первая стадия испытаний пройдена",
	ProtocolStatusSecondStage: "Вторая стадия испытаний пройдена",
	ProtocolStatusApproved:    "Протокол утверждён",
}

// ProtocolStatuses returns every protocol status in order.
func ProtocolStatuses() []ProtocolStatus {
	return []ProtocolStatus{ProtocolStatusFirstStage, ProtocolStatusSecondStage, ProtocolStatusApproved}
}

// Switch returns the status that follows s. Only the first stage advances
// automatically; every other status maps to itself.
func (s ProtocolStatus) Switch() ProtocolStatus {
	if s == ProtocolStatusFirstStage {
		return ProtocolStatusSecondStage
	}
	return s
}

// IsApproved returns true for the terminal status.
func (s ProtocolStatus) IsApproved() bool {
	return s == ProtocolStatusApproved
}

// Label returns the descriptive label shown to operators.
func (s ProtocolStatus) Label() string {
	if label, ok := protocolLabels[s]; ok {
		return label
	}
	return string(s)
}

// Validate checks if the protocol status is valid.
func (s ProtocolStatus) Validate() error {
	if _, ok := protocolLabels[s]; !ok {
		return fmt.Errorf("invalid protocol status: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ProtocolStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ProtocolStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ProtocolStatus(str)
	return s.Validate()
}

// AnchorJobStatus tracks a durable anchoring job.
type AnchorJobStatus string

const (
	// AnchorJobPending indicates the job is waiting for a worker or a retry.
	AnchorJobPending AnchorJobStatus = "pending"

	// AnchorJobDone indicates the content was uploaded and recorded.
	AnchorJobDone AnchorJobStatus = "done"

	// AnchorJobFailed indicates the job exhausted its attempts.
	AnchorJobFailed AnchorJobStatus = "failed"
)

// IsTerminal returns true if the job will not be picked up again on its own.
func (s AnchorJobStatus) IsTerminal() bool {
	return s == AnchorJobDone || s == AnchorJobFailed
}

// Validate checks if the job status is valid.
func (s AnchorJobStatus) Validate() error {
	switch s {
	case AnchorJobPending, AnchorJobDone, AnchorJobFailed:
		return nil
	default:
		return fmt.Errorf("invalid anchor job status: %s", s)
	}
}
