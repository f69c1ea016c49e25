// Package engine provides the core types and services of the passport lifecycle engine.
//
// # Overview
//
// Every manufactured unit carries a digital passport: a lifecycle status,
// an append-only production history and a quality-test protocol. The
// engine owns the rules that move a passport through its life:
//
//  1. Production - stages are recorded while the unit is assembled
//  2. Revision - selected stages are sent back for rework (RevisionManager)
//  3. Testing - the protocol is filled in and advanced (ProtocolService)
//  4. Approval - the protocol is approved and becomes immutable
//  5. Anchoring - the approved protocol is published (Anchorer)
//  6. Finalization - the passport is closed (UnitService)
//
// # Unit Status
//
// Units move through production, built, revision, approved and finalized.
// Revision is the only detour: a built unit may go back to revision and
// return to built once no stage is being reworked. Every other edge is
// one-directional. Illegal transitions fail with an invalid-transition error.
//
// # Revisions
//
// Reworking never edits history. RevisionManager appends a fresh copy of
// the stage marked with additional_info.reworked = true and linked to the
// original through ReworkOf. Cancelling the last active rework returns the
// unit to built.
//
// # Protocols
//
// A protocol progresses first-stage-passed, second-stage-passed, approved.
// Once approved its rows can no longer be edited or removed. Approval and
// the anchoring job it enqueues commit in one transaction; the upload and
// ledger call happen later on the Anchorer's workers and never roll back
// the approval.
//
// # Collaborators
//
// Storage, ContentStore, Ledger, FinalizeGate and Observer are interfaces
// injected at construction. Storage.InTx gives every multi-write operation
// all-or-nothing semantics.
//
// # Error Classification
//
// Errors carry a Kind and a Class:
//
//   - not_found: the unit, stage, protocol or schema does not exist
//   - invalid_transition / immutable_protocol: conflict with current state
//   - database / connection: transient collaborator faults, safe to retry
//   - unhandled: anything else
//
// Use errors.Is with the Err* sentinels, or KindOf, to inspect them.
package engine
