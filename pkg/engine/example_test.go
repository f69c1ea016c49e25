package engine_test

import (
	"fmt"

	"github.com/passportd/passportd/pkg/engine"
)

// Example_unitLifecycle shows the legal path of a unit through its statuses.
func Example_unitLifecycle() {
	path := []engine.UnitStatus{
		engine.UnitStatusProduction,
		engine.UnitStatusBuilt,
		engine.UnitStatusRevision,
		engine.UnitStatusBuilt,
		engine.UnitStatusApproved,
		engine.UnitStatusFinalized,
	}

	for i := 1; i < len(path); i++ {
		fmt.Printf("%s -> %s: %v\n", path[i-1], path[i], path[i-1].CanTransitionTo(path[i]))
	}
	fmt.Println("finalized is terminal:", engine.UnitStatusFinalized.IsTerminal())

	// Output:
	// production -> built: true
	// built -> revision: true
	// revision -> built: true
	// built -> approved: true
	// approved -> finalized: true
	// finalized is terminal: true
}

// ExampleProtocolStatus_Switch shows that only the first stage advances.
func ExampleProtocolStatus_Switch() {
	for _, s := range engine.ProtocolStatuses() {
		fmt.Printf("%s -> %s\n", s, s.Switch())
	}

	// Output:
	// first-stage-passed -> second-stage-passed
	// second-stage-passed -> second-stage-passed
	// approved -> approved
}

// ExampleKindOf shows how callers classify engine errors.
func ExampleKindOf() {
	err := engine.NewImmutableProtocolError("approved protocol cannot be edited").WithResource("p-1")

	fmt.Println(engine.KindOf(err))
	fmt.Println(err.Category())
	fmt.Println(engine.IsRetryable(err))

	// Output:
	// immutable_protocol
	// conflict
	// false
}
