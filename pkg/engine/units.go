package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// UnitService drives the unit status state machine.
type UnitService struct {
	store     Storage
	revisions *RevisionManager
	gate      FinalizeGate
	obs       Observer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUnitService creates a new unit service. gate may be nil.
func NewUnitService(store Storage, revisions *RevisionManager, gate FinalizeGate, obs Observer, logger zerolog.Logger) *UnitService {
	if obs == nil {
		obs = NopObserver{}
	}
	return &UnitService{
		store:     store,
		revisions: revisions,
		gate:      gate,
		obs:       obs,
		logger:    logger.With().Str("component", "units").Logger(),
		now:       time.Now,
	}
}

// Create registers a new unit in production. The schema must exist and the
// internal ID must be free. Stages passed in the biography are recorded as
// the unit's original history.
func (s *UnitService) Create(ctx context.Context, unit *Unit) (err error) {
	ctx, span := startSpan(ctx, "unit.create", attribute.String("unit.internal_id", unit.InternalID))
	defer func() { finish(span, s.obs, err) }()

	if unit.InternalID == "" || unit.SchemaID == "" {
		return NewInvalidInputError("unit requires internal_id and schema_id", nil)
	}

	biography := unit.Biography
	return runInTx(ctx, s.store, func(tx Storage) error {
		if _, err := tx.GetSchema(ctx, unit.SchemaID); err != nil {
			return storageError("get_schema", err)
		}
		switch _, err := tx.GetUnit(ctx, unit.InternalID); {
		case err == nil:
			return NewAlreadyExistsError("unit already exists").WithResource(unit.InternalID)
		case !IsNotFound(err):
			return storageError("get_unit", err)
		}

		id := uuid.New()
		unit.UUID = hex.EncodeToString(id[:])
		unit.Status = UnitStatusProduction
		unit.CreatedAt = s.now().UTC()
		unit.UpdatedAt = unit.CreatedAt
		unit.Biography = nil
		if err := tx.CreateUnit(ctx, unit); err != nil {
			return storageError("create_unit", err)
		}

		for i, stage := range biography {
			recorded, err := newStage(stage, unit.UUID, i+1, unit.CreatedAt.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				return err
			}
			if err := tx.AppendStage(ctx, recorded); err != nil {
				return storageError("append_stage", err)
			}
			unit.Biography = append(unit.Biography, recorded)
		}
		return nil
	})
}

// Get returns the unit together with its biography.
func (s *UnitService) Get(ctx context.Context, unitID string) (unit *Unit, err error) {
	ctx, span := startSpan(ctx, "unit.get", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	unit, err = s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, storageError("get_unit", err)
	}
	unit.Biography, err = s.store.ListStages(ctx, unit.UUID)
	if err != nil {
		return nil, storageError("list_stages", err)
	}
	return unit, nil
}

// RecordStages adds finished work to a unit's biography. A stage whose ID
// names an active rework completes that rework; any other stage is appended
// as a new original stage. Approved and finalized units are closed.
func (s *UnitService) RecordStages(ctx context.Context, unitID string, stages []*Stage, actor string) (recorded []*Stage, err error) {
	ctx, span := startSpan(ctx, "unit.record_stages",
		attribute.String("unit.internal_id", unitID),
		attribute.Int("stage.count", len(stages)))
	defer func() { finish(span, s.obs, err) }()

	if len(stages) == 0 {
		return nil, NewInvalidInputError("no stages to record", nil).WithResource(unitID)
	}

	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		if unit.Status == UnitStatusApproved || unit.Status == UnitStatusFinalized {
			return NewInvalidTransitionError(fmt.Sprintf("cannot record stages of %s unit", unit.Status)).
				WithResource(unitID)
		}
		history, err := tx.ListStages(ctx, unit.UUID)
		if err != nil {
			return storageError("list_stages", err)
		}

		now := s.now().UTC()
		recorded = make([]*Stage, 0, len(stages))
		ids := make([]string, 0, len(stages))
		appended := 0
		for _, stage := range stages {
			if stage.ID != "" {
				done, err := s.completeRework(ctx, tx, unit, stage)
				if err != nil {
					return err
				}
				if done != nil {
					recorded = append(recorded, done)
					ids = append(ids, done.ID)
					continue
				}
			}
			next, err := newStage(stage, unit.UUID, len(history)+appended+1, now.Add(time.Duration(appended)*time.Millisecond))
			if err != nil {
				return err
			}
			if err := tx.AppendStage(ctx, next); err != nil {
				return storageError("append_stage", err)
			}
			appended++
			recorded = append(recorded, next)
			ids = append(ids, next.ID)
		}
		return s.audit(ctx, tx, "unit.record_stages", actor, unitID, map[string]interface{}{
			"stages": ids,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("unit_id", unitID).
		Int("stages", len(recorded)).
		Msg("Stages recorded")
	return recorded, nil
}

// completeRework fills in an active rework with the submitted work. It
// returns nil when no stage with that ID exists yet.
func (s *UnitService) completeRework(ctx context.Context, tx Storage, unit *Unit, stage *Stage) (*Stage, error) {
	existing, err := tx.GetStage(ctx, stage.ID)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get_stage", err)
	}
	if existing.ParentUnitUUID != unit.UUID {
		return nil, NewNotFoundError("stage does not belong to unit").
			WithResource(stage.ID).
			WithDetail("unit", unit.InternalID)
	}
	if !existing.InActiveRevision() {
		return nil, NewInvalidTransitionError(fmt.Sprintf("stage %s is already recorded", stage.ID)).
			WithResource(stage.ID)
	}

	info := make(map[string]interface{}, len(stage.AdditionalInfo)+1)
	for k, v := range stage.AdditionalInfo {
		info[k] = v
	}
	info["reworked"] = true

	existing.EmployeeName = stage.EmployeeName
	existing.Completed = stage.Completed
	existing.EndedPrematurely = stage.EndedPrematurely
	existing.SessionStartTime = stage.SessionStartTime
	existing.SessionEndTime = stage.SessionEndTime
	existing.AdditionalInfo = info
	if err := tx.CompleteStage(ctx, existing); err != nil {
		return nil, storageError("complete_stage", err)
	}
	return existing, nil
}

// newStage prepares a submitted stage for storage as an original stage of
// the unit identified by unitUUID.
func newStage(stage *Stage, unitUUID string, number int, at time.Time) (*Stage, error) {
	if stage == nil || stage.Name == "" {
		return nil, NewInvalidInputError("stage requires a name", nil)
	}
	recorded := *stage
	if recorded.ID == "" {
		recorded.ID = uuid.New().String()
	}
	recorded.ParentUnitUUID = unitUUID
	if recorded.Number == 0 {
		recorded.Number = number
	}
	if recorded.CreatedAt.IsZero() {
		recorded.CreatedAt = at
	}
	recorded.ReworkOf = ""
	recorded.RevisionCancelled = false
	return &recorded, nil
}

// SetSerialNumber assigns the unit's serial number. Setting the current
// value again is a no-op; a finalized unit keeps the serial it was closed with.
func (s *UnitService) SetSerialNumber(ctx context.Context, unitID, serialNumber, actor string) (changed bool, err error) {
	ctx, span := startSpan(ctx, "unit.set_serial_number", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" {
		return false, NewInvalidInputError("serial number is required", nil).WithResource(unitID)
	}

	var previous string
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		previous = unit.SerialNumber
		if previous == serialNumber {
			return nil
		}
		if unit.Status == UnitStatusFinalized {
			return NewInvalidTransitionError("cannot change serial number of finalized unit").
				WithResource(unitID)
		}
		if err := tx.UpdateUnitSerial(ctx, unitID, serialNumber); err != nil {
			return storageError("update_unit_serial", err)
		}
		changed = true
		return s.audit(ctx, tx, "unit.set_serial_number", actor, unitID, map[string]interface{}{
			"from": previous,
			"to":   serialNumber,
		})
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info().
			Str("unit_id", unitID).
			Str("from", previous).
			Str("to", serialNumber).
			Msg("Serial number changed")
	}
	return changed, nil
}

// Delete removes a unit's passport: the unit, its stages and its protocol.
// A pending anchoring job for the protocol is withdrawn. Finalized
// passports cannot be deleted.
func (s *UnitService) Delete(ctx context.Context, unitID string, actor string) (err error) {
	ctx, span := startSpan(ctx, "unit.delete", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		if unit.Status == UnitStatusFinalized {
			return NewInvalidTransitionError("finalized passport cannot be deleted").WithResource(unitID)
		}

		details := map[string]interface{}{"uuid": unit.UUID, "status": string(unit.Status)}
		protocol, err := tx.GetProtocol(ctx, unitID)
		switch {
		case err == nil:
			if err := tx.DeleteProtocol(ctx, unitID); err != nil {
				return storageError("delete_protocol", err)
			}
			if _, err := withdrawAnchorJob(ctx, tx, s.now().UTC(), protocol.ProtocolID, "unit deleted"); err != nil {
				return err
			}
			details["protocol_id"] = protocol.ProtocolID
		case !IsNotFound(err):
			return storageError("get_protocol", err)
		}

		if err := tx.DeleteUnit(ctx, unitID); err != nil {
			return storageError("delete_unit", err)
		}
		return s.audit(ctx, tx, "unit.delete", actor, unitID, details)
	})
	if err == nil {
		s.logger.Info().Str("unit_id", unitID).Msg("Passport deleted")
	}
	return err
}

// SendForRevision reworks every listed stage and moves the unit to revision.
// The reworks and the status change commit together.
func (s *UnitService) SendForRevision(ctx context.Context, unitID string, stageIDs []string, actor string) (reworks []*Stage, err error) {
	ctx, span := startSpan(ctx, "unit.send_for_revision",
		attribute.String("unit.internal_id", unitID),
		attribute.Int("stage.count", len(stageIDs)))
	defer func() { finish(span, s.obs, err) }()

	if len(stageIDs) == 0 {
		return nil, NewInvalidTransitionError("no stages selected for revision").WithResource(unitID)
	}

	var from UnitStatus
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		from = unit.Status
		if !unit.Status.CanTransitionTo(UnitStatusRevision) {
			return NewInvalidTransitionError(fmt.Sprintf("cannot send %s unit for revision", unit.Status)).
				WithResource(unitID)
		}

		reworks = make([]*Stage, 0, len(stageIDs))
		for _, stageID := range stageIDs {
			stage, err := tx.GetStage(ctx, stageID)
			if err != nil {
				return storageError("get_stage", err)
			}
			if stage.ParentUnitUUID != unit.UUID {
				return NewNotFoundError("stage does not belong to unit").
					WithResource(stageID).
					WithDetail("unit", unitID)
			}
			rework, err := s.revisions.rework(ctx, tx, stageID)
			if err != nil {
				return err
			}
			reworks = append(reworks, rework)
		}

		if unit.Status != UnitStatusRevision {
			if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusRevision); err != nil {
				return storageError("update_unit_status", err)
			}
		}
		return s.audit(ctx, tx, "unit.send_for_revision", actor, unitID, map[string]interface{}{
			"stages": stageIDs,
		})
	})
	if err != nil {
		return nil, err
	}

	if from != UnitStatusRevision {
		s.transitioned(unitID, from, UnitStatusRevision)
	}
	return reworks, nil
}

// CancelRevision withdraws the revision of one stage. When it was the only
// stage in revision, a unit in revision returns to built.
func (s *UnitService) CancelRevision(ctx context.Context, stageID string, actor *Employee) (err error) {
	ctx, span := startSpan(ctx, "unit.cancel_revision", attribute.String("stage.id", stageID))
	defer func() { finish(span, s.obs, err) }()

	actorName := "unknown"
	if actor != nil {
		actorName = actor.Name
	}

	var (
		unit     *Unit
		reverted bool
	)
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unitUUID, sole, err := s.revisions.cancel(ctx, tx, stageID)
		if err != nil {
			return err
		}
		unit, err = tx.GetUnitByUUID(ctx, unitUUID)
		if err != nil {
			return storageError("get_unit", err)
		}
		if sole && unit.Status == UnitStatusRevision {
			if err := tx.UpdateUnitStatus(ctx, unit.InternalID, UnitStatusBuilt); err != nil {
				return storageError("update_unit_status", err)
			}
			reverted = true
		}
		return s.audit(ctx, tx, "unit.cancel_revision", actorName, unit.InternalID, map[string]interface{}{
			"stage_id": stageID,
			"reverted": reverted,
		})
	})
	if err != nil {
		return err
	}

	if reverted {
		s.transitioned(unit.InternalID, UnitStatusRevision, UnitStatusBuilt)
	}
	return nil
}

// MarkBuilt moves a unit out of production or revision. A unit in revision
// may only leave it once no stage is still being reworked.
func (s *UnitService) MarkBuilt(ctx context.Context, unitID string, actor string) (err error) {
	ctx, span := startSpan(ctx, "unit.mark_built", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	var from UnitStatus
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		from = unit.Status
		if unit.Status == UnitStatusBuilt {
			return nil
		}
		if !unit.Status.CanTransitionTo(UnitStatusBuilt) {
			return NewInvalidTransitionError(fmt.Sprintf("cannot mark %s unit as built", unit.Status)).
				WithResource(unitID)
		}
		if unit.Status == UnitStatusRevision {
			active, err := s.revisions.activeStages(ctx, tx, unit.UUID)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return NewInvalidTransitionError("unit still has stages in revision").
					WithResource(unitID).
					WithDetail("active_revisions", len(active))
			}
		}
		if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusBuilt); err != nil {
			return storageError("update_unit_status", err)
		}
		return s.audit(ctx, tx, "unit.mark_built", actor, unitID, nil)
	})
	if err == nil && from != UnitStatusBuilt {
		s.transitioned(unitID, from, UnitStatusBuilt)
	}
	return err
}

// Approve moves a built unit to approved. The unit's protocol must already
// be approved. Approving an approved unit is a no-op.
func (s *UnitService) Approve(ctx context.Context, unitID string, actor string) (err error) {
	ctx, span := startSpan(ctx, "unit.approve", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	changed := false
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		if unit.Status == UnitStatusApproved {
			return nil
		}
		if !unit.Status.CanTransitionTo(UnitStatusApproved) {
			return NewInvalidTransitionError(fmt.Sprintf("cannot approve %s unit", unit.Status)).
				WithResource(unitID)
		}
		protocol, err := tx.GetProtocol(ctx, unitID)
		if err != nil {
			if IsNotFound(err) {
				return NewInvalidTransitionError("unit has no protocol").WithResource(unitID)
			}
			return storageError("get_protocol", err)
		}
		if !protocol.Status.IsApproved() {
			return NewInvalidTransitionError("protocol is not approved").
				WithResource(unitID).
				WithDetail("protocol_status", string(protocol.Status))
		}
		if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusApproved); err != nil {
			return storageError("update_unit_status", err)
		}
		changed = true
		return s.audit(ctx, tx, "unit.approve", actor, unitID, map[string]interface{}{
			"protocol_id": protocol.ProtocolID,
		})
	})
	if err == nil && changed {
		s.transitioned(unitID, UnitStatusBuilt, UnitStatusApproved)
	}
	return err
}

// Finalize closes an approved unit's passport. Finalizing a finalized unit is a no-op.
func (s *UnitService) Finalize(ctx context.Context, unitID string, actor string) (err error) {
	ctx, span := startSpan(ctx, "unit.finalize", attribute.String("unit.internal_id", unitID))
	defer func() { finish(span, s.obs, err) }()

	changed := false
	err = runInTx(ctx, s.store, func(tx Storage) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return storageError("get_unit", err)
		}
		if unit.Status == UnitStatusFinalized {
			return nil
		}
		if !unit.Status.CanTransitionTo(UnitStatusFinalized) {
			return NewInvalidTransitionError(fmt.Sprintf("cannot finalize %s unit", unit.Status)).
				WithResource(unitID)
		}
		if s.gate != nil {
			protocol, err := tx.GetProtocol(ctx, unitID)
			if err != nil && !IsNotFound(err) {
				return storageError("get_protocol", err)
			}
			if err := s.gate.CheckFinalize(ctx, unit, protocol); err != nil {
				return err
			}
		}
		if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusFinalized); err != nil {
			return storageError("update_unit_status", err)
		}
		changed = true
		return s.audit(ctx, tx, "unit.finalize", actor, unitID, nil)
	})
	if err == nil && changed {
		s.transitioned(unitID, UnitStatusApproved, UnitStatusFinalized)
	}
	return err
}

func (s *UnitService) transitioned(unitID string, from, to UnitStatus) {
	s.obs.RecordTransition("unit", string(from), string(to))
	s.logger.Info().
		Str("unit_id", unitID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Unit status changed")
}

func (s *UnitService) audit(ctx context.Context, tx Storage, action, actor, target string, details map[string]interface{}) error {
	return appendAudit(ctx, tx, s.now, action, actor, target, details)
}

func appendAudit(ctx context.Context, tx Storage, now func() time.Time, action, actor, target string, details map[string]interface{}) error {
	if actor == "" {
		actor = "system"
	}
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  target,
		Details:   details,
		Timestamp: now().UTC(),
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return storageError("append_audit", err)
	}
	return nil
}
