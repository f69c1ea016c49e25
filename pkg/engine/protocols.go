package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ApprovalEdge names the protocol transition that triggers anchoring.
const ApprovalEdge = "approved"

// ProtocolService drives the protocol approval state machine.
type ProtocolService struct {
	store    Storage
	anchorer *Anchorer
	obs      Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProtocolService creates a new protocol service. A nil anchorer
// disables anchoring on approval.
func NewProtocolService(store Storage, anchorer *Anchorer, obs Observer, logger zerolog.Logger) *ProtocolService {
	if obs == nil {
		obs = NopObserver{}
	}
	return &ProtocolService{
		store:    store,
		anchorer: anchorer,
		obs:      obs,
		logger:   logger.With().Str("component", "protocols").Logger(),
		now:      time.Now,
	}
}

// GetOrTemplate returns the unit's protocol. If none is stored it returns a
// template built from the unit's schema without persisting it; persisted
// reports which. A non-empty schemaID must name the unit's schema.
func (s *ProtocolService) GetOrTemplate(ctx context.Context, unitID, schemaID string) (p *Protocol, persisted bool, err error) {
	ctx, span := startSpan(ctx, "protocol.get_or_template", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	p, err = s.store.GetProtocol(ctx, unitID)
	if err == nil {
		return p, true, nil
	}
	if !IsNotFound(err) {
		return nil, false, storageError("get_protocol", err)
	}
	p, err = s.template(ctx, s.store, unitID, schemaID)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// SubmitOrUpdate applies row edits to the unit's protocol, creating it from
// the schema template first if needed. Approved protocols are immutable.
// Either every edit applies or none does.
func (s *ProtocolService) SubmitOrUpdate(ctx context.Context, unitID string, edits []RowEdit, actor string) (p *Protocol, err error) {
	ctx, span := startSpan(ctx, "protocol.submit_or_update",
		attribute.String("unit.internal_id", unitID),
		attribute.Int("edit.count", len(edits)))
	defer func() { finish(span, s.obs, err) }()

	created := false
	err = runInTx(ctx, s.store, func(tx Storage) error {
		var err error
		p, err = tx.GetProtocol(ctx, unitID)
		switch {
		case err == nil:
			if p.Status.IsApproved() {
				return NewImmutableProtocolError("approved protocol cannot be edited").
					WithResource(p.ProtocolID).
					WithDetail("unit", unitID)
			}
		case IsNotFound(err):
			p, err = s.template(ctx, tx, unitID, "")
			if err != nil {
				return err
			}
			p.ProtocolID = uuid.New().String()
			created = true
		default:
			return storageError("get_protocol", err)
		}

		if err := applyEdits(p, edits); err != nil {
			return err
		}
		if err := tx.PutProtocol(ctx, p); err != nil {
			return storageError("put_protocol", err)
		}
		action := "protocol.update"
		if created {
			action = "protocol.submit"
		}
		return appendAudit(ctx, tx, s.now, action, actor, unitID, map[string]interface{}{
			"protocol_id": p.ProtocolID,
			"edits":       len(edits),
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Advance moves the protocol to the status its current one switches to.
// It never reaches approval; use Approve for that.
func (s *ProtocolService) Advance(ctx context.Context, unitID string, actor string) (status ProtocolStatus, err error) {
	ctx, span := startSpan(ctx, "protocol.advance", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	var from ProtocolStatus
	err = runInTx(ctx, s.store, func(tx Storage) error {
		p, err := tx.GetProtocol(ctx, unitID)
		if err != nil {
			return storageError("get_protocol", err)
		}
		from = p.Status
		status = p.Status.Switch()
		if status == p.Status {
			return nil
		}
		p.Status = status
		if err := tx.PutProtocol(ctx, p); err != nil {
			return storageError("put_protocol", err)
		}
		return appendAudit(ctx, tx, s.now, "protocol.advance", actor, unitID, map[string]interface{}{
			"status": string(status),
		})
	})
	if err != nil {
		return "", err
	}
	if from != status {
		s.obs.RecordTransition("protocol", string(from), string(status))
	}
	return status, nil
}

// Approve moves the protocol to its terminal status and, in the same
// transaction, enqueues exactly one anchoring job for the approval edge.
// Re-approving never enqueues a second job; it only re-creates a lost job
// or re-arms a failed one while the protocol is still unanchored.
func (s *ProtocolService) Approve(ctx context.Context, unitID string, actor string) (p *Protocol, err error) {
	ctx, span := startSpan(ctx, "protocol.approve", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	var (
		from     ProtocolStatus
		enqueued bool
	)
	err = runInTx(ctx, s.store, func(tx Storage) error {
		var err error
		p, err = tx.GetProtocol(ctx, unitID)
		if err != nil {
			return storageError("get_protocol", err)
		}
		from = p.Status

		if !p.Status.IsApproved() {
			now := s.now().UTC()
			p.Status = ProtocolStatusApproved
			p.ApprovedAt = &now
			if err := tx.PutProtocol(ctx, p); err != nil {
				return storageError("put_protocol", err)
			}
			if err := appendAudit(ctx, tx, s.now, "protocol.approve", actor, unitID, map[string]interface{}{
				"protocol_id": p.ProtocolID,
			}); err != nil {
				return err
			}
		}

		if s.anchorer == nil || (p.IPFSCID != "" && p.TxnHash != "") {
			return nil
		}
		enqueued, err = s.anchorer.enqueue(ctx, tx, p, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	if from != ProtocolStatusApproved {
		s.obs.RecordTransition("protocol", string(from), string(ProtocolStatusApproved))
		s.logger.Info().
			Str("unit_id", unitID).
			Str("protocol_id", p.ProtocolID).
			Bool("anchoring_enqueued", enqueued).
			Msg("Protocol approved")
	}
	if enqueued {
		s.anchorer.Notify()
	}
	return p, nil
}

// Remove deletes the unit's protocol. Removing an approved protocol is
// allowed and audited as such; its pending anchoring job is withdrawn.
func (s *ProtocolService) Remove(ctx context.Context, unitID string, actor string) (err error) {
	ctx, span := startSpan(ctx, "protocol.remove", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	var (
		p         *Protocol
		withdrawn bool
	)
	err = runInTx(ctx, s.store, func(tx Storage) error {
		var err error
		p, err = tx.GetProtocol(ctx, unitID)
		if err != nil {
			return storageError("get_protocol", err)
		}
		if err := tx.DeleteProtocol(ctx, unitID); err != nil {
			return storageError("delete_protocol", err)
		}
		details := map[string]interface{}{
			"protocol_id": p.ProtocolID,
			"status":      string(p.Status),
			"approved":    p.Status.IsApproved(),
		}
		if p.Status.IsApproved() {
			withdrawn, err = withdrawAnchorJob(ctx, tx, s.now().UTC(), p.ProtocolID, "protocol removed")
			if err != nil {
				return err
			}
			details["anchoring_withdrawn"] = withdrawn
		}
		return appendAudit(ctx, tx, s.now, "protocol.remove", actor, unitID, details)
	})
	if err != nil {
		return err
	}

	if p.Status.IsApproved() {
		s.logger.Warn().
			Str("unit_id", unitID).
			Str("protocol_id", p.ProtocolID).
			Bool("anchoring_withdrawn", withdrawn).
			Msg("Approved protocol removed")
	}
	return nil
}

// ListPending returns the unit IDs of protocols awaiting approval.
func (s *ProtocolService) ListPending(ctx context.Context) (ids []string, err error) {
	ctx, span := startSpan(ctx, "protocol.list_pending")
	defer func() { finish(span, s.obs, err) }()

	protocols, err := s.store.ListProtocols(ctx, nil)
	if err != nil {
		return nil, storageError("list_protocols", err)
	}
	ids = make([]string, 0, len(protocols))
	for _, p := range protocols {
		if !p.Status.IsApproved() {
			ids = append(ids, p.AssociatedUnitID)
		}
	}
	return ids, nil
}

// List returns all protocols, optionally filtered by status.
func (s *ProtocolService) List(ctx context.Context, status *ProtocolStatus) (protocols []*Protocol, err error) {
	ctx, span := startSpan(ctx, "protocol.list")
	defer func() { finish(span, s.obs, err) }()

	protocols, err = s.store.ListProtocols(ctx, status)
	if err != nil {
		return nil, storageError("list_protocols", err)
	}
	return protocols, nil
}

// template builds an unsaved protocol for the unit from its schema. A
// non-empty schemaID must match the schema the unit follows.
func (s *ProtocolService) template(ctx context.Context, store Storage, unitID, schemaID string) (*Protocol, error) {
	unit, err := store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, storageError("get_unit", err)
	}
	if schemaID != "" && schemaID != unit.SchemaID {
		return nil, NewInvalidInputError(fmt.Sprintf("unit follows schema %s, not %s", unit.SchemaID, schemaID), nil).
			WithResource(unitID)
	}
	schemaID = unit.SchemaID

	schema, err := store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, storageError("get_schema", err)
	}
	if schema.Protocol == nil {
		return nil, NewNotFoundError("schema has no protocol template").WithResource(schemaID)
	}

	rows := make([]ProtocolRow, len(schema.Protocol.Rows))
	for i, r := range schema.Protocol.Rows {
		rows[i] = ProtocolRow{
			Name:      r.Name,
			Value:     r.Value,
			Deviation: r.Deviation,
			Test1:     r.Test1,
			Test2:     r.Test2,
			Checked:   false,
		}
	}
	return &Protocol{
		ProtocolName:           schema.Protocol.ProtocolName,
		ProtocolSchemaID:       schema.Protocol.ProtocolSchemaID,
		AssociatedWithSchemaID: schemaID,
		AssociatedUnitID:       unitID,
		DefaultSerialNumber:    schema.Protocol.DefaultSerialNumber,
		Status:                 ProtocolStatusFirstStage,
		Rows:                   rows,
		CreationTime:           s.now().UTC(),
	}, nil
}

// applyEdits validates every edit before touching any row.
func applyEdits(p *Protocol, edits []RowEdit) error {
	for _, e := range edits {
		if p.Row(e.Name) == nil {
			return NewNotFoundError(fmt.Sprintf("protocol has no row %q", e.Name)).
				WithResource(p.ProtocolID)
		}
	}
	for _, e := range edits {
		e.apply(p.Row(e.Name))
	}
	return nil
}
