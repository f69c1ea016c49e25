package policy

import (
	"time"
)

// Actions checked by the authorization policy.
const (
	ActionPassportRead     = "passport.read"
	ActionPassportCreate   = "passport.create"
	ActionPassportRevision = "passport.revision"
	ActionPassportCancel   = "passport.cancel_revision"
	ActionPassportBuilt    = "passport.built"
	ActionPassportApprove  = "passport.approve"
	ActionPassportFinalize = "passport.finalize"
	ActionPassportStages   = "passport.stages"
	ActionPassportSerial   = "passport.serial"
	ActionPassportDelete   = "passport.delete"
	ActionProtocolRead     = "protocol.read"
	ActionProtocolUpdate   = "protocol.update"
	ActionProtocolAdvance  = "protocol.advance"
	ActionProtocolApprove  = "protocol.approve"
	ActionProtocolRemove   = "protocol.remove"
	ActionEmployeeDecode   = "employee.decode"
	ActionEmployeeCache    = "employee.cache"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		ruleSetPermissionsPolicy(),
		finalizeRequiresAnchorPolicy(),
		finalizeRequiresSerialPolicy(),
	}
}

// ruleSetPermissionsPolicy maps API actions to the rule a user must carry.
func ruleSetPermissionsPolicy() Policy {
	return Policy{
		Name:        "rule-set-permissions",
		Description: "Requires the caller's rule set to grant the rule an action needs",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{TagAuthz},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package passportd.authz

import rego.v1

required := {
	"passport.read": "read",
	"protocol.read": "read",
	"employee.decode": "read",
	"passport.create": "write",
	"passport.revision": "write",
	"passport.cancel_revision": "write",
	"passport.built": "write",
	"passport.stages": "write",
	"passport.serial": "write",
	"protocol.update": "write",
	"protocol.advance": "write",
	"employee.cache": "write",
	"passport.approve": "approve",
	"passport.finalize": "approve",
	"passport.delete": "approve",
	"protocol.approve": "approve",
	"protocol.remove": "approve",
}

granted(rule) if rule in input.user.rule_set

granted(_) if "admin" in input.user.rule_set

deny contains violation if {
	not input.user
	violation := {
		"message": "no authenticated user",
		"severity": "error",
	}
}

deny contains violation if {
	input.user
	not required[input.action]
	violation := {
		"message": sprintf("unknown action %s", [input.action]),
		"severity": "error",
	}
}

deny contains violation if {
	rule := required[input.action]
	input.user
	not granted(rule)
	violation := {
		"message": sprintf("user %s lacks the %s rule required for %s", [input.user.username, rule, input.action]),
		"severity": "error",
		"resource": input.user.username,
	}
}
`,
	}
}

// finalizeRequiresAnchorPolicy blocks finalization until the protocol is anchored.
func finalizeRequiresAnchorPolicy() Policy {
	return Policy{
		Name:        "finalize-requires-anchor",
		Description: "Blocks finalization until the approved protocol has a content id and ledger transaction",
		Severity:    SeverityError,
		Enabled:     false,
		Tags:        []string{TagFinalize},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package passportd.finalize.anchor

import rego.v1

deny contains violation if {
	not input.protocol
	violation := {
		"message": sprintf("unit %s has no acceptance protocol", [input.unit.internal_id]),
		"severity": "error",
		"resource": input.unit.internal_id,
	}
}

deny contains violation if {
	input.protocol
	not input.protocol.ipfs_cid
	violation := {
		"message": sprintf("protocol %s has not been uploaded", [input.protocol.protocol_id]),
		"severity": "error",
		"resource": input.unit.internal_id,
	}
}

deny contains violation if {
	input.protocol
	not input.protocol.txn_hash
	violation := {
		"message": sprintf("protocol %s has not been recorded on the ledger", [input.protocol.protocol_id]),
		"severity": "error",
		"resource": input.unit.internal_id,
	}
}
`,
	}
}

// finalizeRequiresSerialPolicy warns when a unit is finalized without a serial number.
func finalizeRequiresSerialPolicy() Policy {
	return Policy{
		Name:        "finalize-serial-number",
		Description: "Warns when a unit is finalized without a serial number",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{TagFinalize},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package passportd.finalize.serial

import rego.v1

deny contains violation if {
	not input.unit.serial_number
	violation := {
		"message": sprintf("unit %s has no serial number", [input.unit.internal_id]),
		"severity": "warning",
		"resource": input.unit.internal_id,
	}
}
`,
	}
}
