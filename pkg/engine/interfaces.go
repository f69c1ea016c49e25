package engine

import (
	"context"
	"time"
)

// UnitStore persists units.
type UnitStore interface {
	// CreateUnit stores a new unit.
	CreateUnit(ctx context.Context, unit *Unit) error

	// GetUnit returns the unit with the given internal ID, or a not-found error.
	GetUnit(ctx context.Context, internalID string) (*Unit, error)

	// GetUnitByUUID returns the unit with the given storage identity.
	GetUnitByUUID(ctx context.Context, uuid string) (*Unit, error)

	// UpdateUnitStatus sets the status of a unit.
	UpdateUnitStatus(ctx context.Context, internalID string, status UnitStatus) error

	// UpdateUnitAnchor records the anchoring outputs of a unit's passport.
	UpdateUnitAnchor(ctx context.Context, internalID, contentID, txnHash string) error

	// UpdateUnitSerial sets the serial number of a unit.
	UpdateUnitSerial(ctx context.Context, internalID, serialNumber string) error

	// DeleteUnit removes a unit together with its stages.
	DeleteUnit(ctx context.Context, internalID string) error
}

// StageStore persists production stages. Stages are append-only apart
// from the revision cancellation flag and the completion of a rework.
type StageStore interface {
	AppendStage(ctx context.Context, stage *Stage) error
	GetStage(ctx context.Context, id string) (*Stage, error)
	ListStages(ctx context.Context, unitUUID string) ([]*Stage, error)
	MarkRevisionCancelled(ctx context.Context, id string) error

	// CompleteStage overwrites the recorded work of an existing stage.
	// Identity, parentage and rework links are left unchanged.
	CompleteStage(ctx context.Context, stage *Stage) error
}

// ProtocolStore persists protocols, one per unit.
type ProtocolStore interface {
	// GetProtocol returns the protocol attached to a unit, or a not-found error.
	GetProtocol(ctx context.Context, unitID string) (*Protocol, error)

	// PutProtocol inserts or replaces the protocol of its associated unit.
	PutProtocol(ctx context.Context, protocol *Protocol) error

	// SetProtocolAnchor records anchoring outputs without touching rows or status.
	SetProtocolAnchor(ctx context.Context, protocolID, contentID, txnHash string) error

	DeleteProtocol(ctx context.Context, unitID string) error

	// ListProtocols returns protocols, optionally filtered by status.
	ListProtocols(ctx context.Context, status *ProtocolStatus) ([]*Protocol, error)
}

// SchemaStore persists production schemas.
type SchemaStore interface {
	GetSchema(ctx context.Context, schemaID string) (*Schema, error)
	PutSchema(ctx context.Context, schema *Schema) error
	ListSchemas(ctx context.Context) ([]*Schema, error)
}

// AuditStore records state-changing actions.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, targetID string, limit int) ([]*AuditEntry, error)
}

// AnchorJobStore is the durable queue behind the anchoring pipeline.
type AnchorJobStore interface {
	// EnqueueAnchorJob inserts a job unless one with the same ID exists.
	// It returns the stored job and whether it was created by this call.
	EnqueueAnchorJob(ctx context.Context, job *AnchorJob) (*AnchorJob, bool, error)

	GetAnchorJob(ctx context.Context, id string) (*AnchorJob, error)

	// ClaimAnchorJobs returns up to limit pending jobs due at now and
	// pushes their next attempt to now+lease so other workers skip them.
	ClaimAnchorJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*AnchorJob, error)

	UpdateAnchorJob(ctx context.Context, job *AnchorJob) error

	ListAnchorJobs(ctx context.Context, status *AnchorJobStatus) ([]*AnchorJob, error)
}

// Storage is the persistence collaborator of the engine.
type Storage interface {
	UnitStore
	StageStore
	ProtocolStore
	SchemaStore
	AuditStore
	AnchorJobStore

	// InTx runs fn against a transactional view of the storage. All writes
	// made through tx commit together or not at all.
	InTx(ctx context.Context, fn func(tx Storage) error) error
}

// ContentStore uploads documents to content-addressed storage.
type ContentStore interface {
	Upload(ctx context.Context, data []byte, metadata map[string]string) (ContentRef, error)
}

// Ledger records a content ID on an append-only ledger.
type Ledger interface {
	Record(ctx context.Context, contentID string) (txnHash string, err error)
}

// FinalizeGate decides whether an approved unit may be finalized.
type FinalizeGate interface {
	CheckFinalize(ctx context.Context, unit *Unit, protocol *Protocol) error
}

// Observer receives engine outcomes for metrics.
type Observer interface {
	// RecordFailure counts one raised error of the given kind.
	RecordFailure(kind ErrorKind)

	// RecordTransition counts a status change of a unit or protocol.
	RecordTransition(entity, from, to string)

	// RecordAnchorJob counts an anchoring job outcome.
	RecordAnchorJob(outcome string)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) RecordFailure(ErrorKind) {}
func (NopObserver) RecordTransition(string, string, string) {}
func (NopObserver) RecordAnchorJob(string) {}
