// Package policy provides OPA/Rego policy evaluation for passportd.
//
// Policies are Rego modules that define a deny set. Each member of the set
// is either a string or an object with message, severity and resource keys.
// Violations of severity error or critical block the operation; others are
// logged as warnings.
//
// Every policy carries tags that choose where it is evaluated:
//
//   - authz: Engine.Authorize, called by the API for every action. Input
//     carries action and user (username, rule_set).
//   - finalize: Engine.CheckFinalize, the engine.FinalizeGate consulted
//     before a unit is finalized. Input carries unit and protocol.
//
// # Built-in Policies
//
//   - rule-set-permissions (authz): maps actions to the read, write or
//     approve rule; admin grants everything.
//   - finalize-requires-anchor (finalize, disabled): the protocol must have
//     a content id and a ledger transaction hash.
//   - finalize-serial-number (finalize, warning): warns when the unit has
//     no serial number.
//
// # Loading Policies
//
// Additional policies are loaded from .rego or .json files:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/passportd/policies"}); err != nil {
//	    return err
//	}
//
// Leading comments in a .rego file may set metadata:
//
//	# Only line supervisors may approve protocols.
//	# tags: authz
//	# severity: error
//	package site.approvals
//
// A file policy with the same name as a built-in replaces it.
//
// # Hot Reload
//
// Loader.Watch reloads policies when files change:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, policies)
//	})
package policy
