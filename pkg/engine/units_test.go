package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUnitService_SendForRevisionThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reworks, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, "master")
	if err != nil {
		t.Fatalf("SendForRevision failed: %v", err)
	}
	if len(reworks) != 1 || !reworks[0].IsReworked() {
		t.Fatalf("expected one reworked stage, got %+v", reworks)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusRevision {
		t.Fatalf("expected revision, got %s", got)
	}
	s1, _ := f.store.GetStage(ctx, "S1")
	if !s1.Completed || s1.IsReworked() {
		t.Error("original stage must be unchanged")
	}

	if err := f.units.CancelRevision(ctx, "S1", &Employee{Name: "Ivan"}); err != nil {
		t.Fatalf("CancelRevision failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusBuilt {
		t.Errorf("expected built, got %s", got)
	}

	audit, _ := f.store.ListAudit(ctx, "U-1", 0)
	if len(audit) != 2 || audit[1].Actor != "Ivan" {
		t.Errorf("expected cancel audited with actor, got %+v", audit)
	}
}

func TestUnitService_CancelRevisionNotSole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reworks, err := f.units.SendForRevision(ctx, "U-1", []string{"S1", "S2"}, "")
	if err != nil {
		t.Fatalf("SendForRevision failed: %v", err)
	}

	if err := f.units.CancelRevision(ctx, reworks[0].ID, nil); err != nil {
		t.Fatalf("CancelRevision failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusRevision {
		t.Errorf("expected revision to remain, got %s", got)
	}

	if err := f.units.CancelRevision(ctx, "S2", nil); err != nil {
		t.Fatalf("CancelRevision failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusBuilt {
		t.Errorf("expected built after last cancel, got %s", got)
	}
}

func TestUnitService_CancelRevisionWithoutRevision(t *testing.T) {
	f := newFixture(t)

	err := f.units.CancelRevision(context.Background(), "S1", nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUnitService_SendForRevisionIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.units.SendForRevision(ctx, "U-1", []string{"S1", "missing"}, "")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusProduction {
		t.Errorf("status must not change, got %s", got)
	}
	u, _ := f.store.GetUnit(ctx, "U-1")
	stages, _ := f.store.ListStages(ctx, u.UUID)
	if len(stages) != 2 {
		t.Errorf("no rework may persist, got %d stages", len(stages))
	}
}

func TestUnitService_StatusWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.failOn["UpdateUnitStatus"] = errDiskFull

	_, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, "")
	if !errors.Is(err, ErrDatabaseFailure) {
		t.Fatalf("expected database failure, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Error("expected cause to be preserved")
	}

	delete(f.store.failOn, "UpdateUnitStatus")
	if got := f.unitStatus(t, "U-1"); got != UnitStatusProduction {
		t.Errorf("status must not change, got %s", got)
	}
	u, _ := f.store.GetUnit(ctx, "U-1")
	stages, _ := f.store.ListStages(ctx, u.UUID)
	if len(stages) != 2 {
		t.Errorf("rework must roll back, got %d stages", len(stages))
	}
	if f.obs.failures[KindDatabaseFailure] != 1 {
		t.Errorf("expected one database failure, got %d", f.obs.failures[KindDatabaseFailure])
	}
}

func TestUnitService_SendForRevisionRejections(t *testing.T) {
	tests := []struct {
		name   string
		status UnitStatus
		unit   string
		stages []string
		check  func(error) bool
	}{
		{"unknown unit", UnitStatusProduction, "U-404", []string{"S1"}, IsNotFound},
		{"no stages", UnitStatusProduction, "U-1", nil, func(err error) bool { return errors.Is(err, ErrInvalidTransition) }},
		{"approved unit", UnitStatusApproved, "U-1", []string{"S1"}, func(err error) bool { return errors.Is(err, ErrInvalidTransition) }},
		{"finalized unit", UnitStatusFinalized, "U-1", []string{"S1"}, func(err error) bool { return errors.Is(err, ErrInvalidTransition) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setUnitStatus(t, "U-1", tt.status)

			_, err := f.units.SendForRevision(context.Background(), tt.unit, tt.stages, "")
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestUnitService_MarkBuiltWaitsForReworks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, ""); err != nil {
		t.Fatalf("SendForRevision failed: %v", err)
	}
	if err := f.units.MarkBuilt(ctx, "U-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	u, _ := f.store.GetUnit(ctx, "U-1")
	stages, _ := f.store.ListStages(ctx, u.UUID)
	for _, s := range stages {
		if s.InActiveRevision() {
			s.Completed = true
			f.store.data.stages[s.ID] = *s
		}
	}

	if err := f.units.MarkBuilt(ctx, "U-1", ""); err != nil {
		t.Fatalf("MarkBuilt failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusBuilt {
		t.Errorf("expected built, got %s", got)
	}
}

func TestUnitService_ApproveRequiresApprovedProtocol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setUnitStatus(t, "U-1", UnitStatusBuilt)

	if err := f.units.Approve(ctx, "U-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition without protocol, got %v", err)
	}

	if _, err := f.protocols.SubmitOrUpdate(ctx, "U-1", nil, ""); err != nil {
		t.Fatalf("SubmitOrUpdate failed: %v", err)
	}
	if err := f.units.Approve(ctx, "U-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition with pending protocol, got %v", err)
	}

	if _, err := f.protocols.Approve(ctx, "U-1", ""); err != nil {
		t.Fatalf("protocol Approve failed: %v", err)
	}
	if err := f.units.Approve(ctx, "U-1", ""); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := f.units.Approve(ctx, "U-1", ""); err != nil {
		t.Errorf("re-approve should be a no-op, got %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusApproved {
		t.Errorf("expected approved, got %s", got)
	}
}

type denyGate struct{ calls int }

func (g *denyGate) CheckFinalize(ctx context.Context, unit *Unit, protocol *Protocol) error {
	g.calls++
	return NewForbiddenError("passport not anchored")
}

func TestUnitService_Finalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.units.Finalize(ctx, "U-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from production, got %v", err)
	}

	f.setUnitStatus(t, "U-1", UnitStatusApproved)
	if err := f.units.Finalize(ctx, "U-1", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusFinalized {
		t.Errorf("expected finalized, got %s", got)
	}
	if _, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("finalized units are terminal, got %v", err)
	}
}

func TestUnitService_FinalizeGate(t *testing.T) {
	f := newFixture(t)
	gate := &denyGate{}
	f.units = NewUnitService(f.store, f.revisions, gate, f.obs, testLogger())
	f.setUnitStatus(t, "U-1", UnitStatusApproved)

	err := f.units.Finalize(context.Background(), "U-1", "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if gate.calls != 1 {
		t.Errorf("expected gate to be consulted once, got %d", gate.calls)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusApproved {
		t.Errorf("status must not change, got %s", got)
	}
}

func TestUnitService_CreateRequiresSchema(t *testing.T) {
	f := newFixture(t)

	err := f.units.Create(context.Background(), &Unit{InternalID: "U-2", SchemaID: "unknown"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnitService_TransactionFaultIsDatabaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.failOn["InTx"] = errDiskFull

	calls := []struct {
		name string
		call func() error
	}{
		{"create", func() error { return f.units.Create(ctx, &Unit{InternalID: "U-2", SchemaID: "motor-v1"}) }},
		{"mark built", func() error { return f.units.MarkBuilt(ctx, "U-1", "") }},
		{"send for revision", func() error {
			_, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, "")
			return err
		}},
		{"cancel revision", func() error { return f.units.CancelRevision(ctx, "S1", nil) }},
		{"approve", func() error { return f.units.Approve(ctx, "U-1", "") }},
		{"finalize", func() error { return f.units.Finalize(ctx, "U-1", "") }},
		{"delete", func() error { return f.units.Delete(ctx, "U-1", "") }},
		{"rework", func() error {
			_, err := f.revisions.Rework(ctx, "S1")
			return err
		}},
		{"submit protocol", func() error {
			_, err := f.protocols.SubmitOrUpdate(ctx, "U-1", nil, "")
			return err
		}},
		{"remove protocol", func() error { return f.protocols.Remove(ctx, "U-1", "") }},
	}
	for _, tc := range calls {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if KindOf(err) != KindDatabaseFailure {
				t.Fatalf("expected database failure, got %v (%s)", err, KindOf(err))
			}
			if !IsRetryable(err) {
				t.Error("transaction faults must be retryable")
			}
			if !errors.Is(err, errDiskFull) {
				t.Error("expected cause to be preserved")
			}
		})
	}
}

func TestUnitService_CreateDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.units.Create(ctx, &Unit{InternalID: "U-1", SchemaID: "motor-v1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if KindOf(err).Category() != CategoryConflict || IsRetryable(err) {
		t.Errorf("duplicate must be a non-retryable conflict, got %s", KindOf(err))
	}
	if f.obs.failures[KindDatabaseFailure] != 0 {
		t.Error("duplicate must not count as a database failure")
	}

	if err := f.units.Create(ctx, &Unit{SchemaID: "motor-v1"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input without internal_id, got %v", err)
	}
}

func TestUnitService_CreateWithBiography(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	unit := &Unit{
		InternalID: "U-2",
		SchemaID:   "motor-v1",
		Biography: []*Stage{
			{Name: "Winding", SchemaStageID: "st-winding", EmployeeName: "Ivan", Completed: true, SessionStartTime: &started},
			{Name: "Assembly", SchemaStageID: "st-assembly", ReworkOf: "forged", RevisionCancelled: true},
		},
	}
	if err := f.units.Create(ctx, unit); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := f.units.Get(ctx, "U-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Biography) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got.Biography))
	}
	for i, stage := range got.Biography {
		if stage.ID == "" || stage.ParentUnitUUID != got.UUID || stage.Number != i+1 {
			t.Errorf("stage %d not prepared: %+v", i, stage)
		}
		if stage.ReworkOf != "" || stage.RevisionCancelled {
			t.Errorf("created stages are originals, got %+v", stage)
		}
	}
	if got.Biography[0].Name != "Winding" || got.Biography[1].Name != "Assembly" {
		t.Errorf("biography order not kept: %s, %s", got.Biography[0].Name, got.Biography[1].Name)
	}

	bad := &Unit{InternalID: "U-3", SchemaID: "motor-v1", Biography: []*Stage{{}}}
	if err := f.units.Create(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input for nameless stage, got %v", err)
	}
	if _, err := f.store.GetUnit(ctx, "U-3"); !IsNotFound(err) {
		t.Error("rejected unit must not persist")
	}
}

func TestUnitService_RecordStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recorded, err := f.units.RecordStages(ctx, "U-1", []*Stage{{Name: "Testing", EmployeeName: "Olga", Completed: true}}, "olga")
	if err != nil {
		t.Fatalf("RecordStages failed: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Number != 3 {
		t.Fatalf("expected stage number 3, got %+v", recorded)
	}

	f.setUnitStatus(t, "U-1", UnitStatusBuilt)
	reworks, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, "")
	if err != nil {
		t.Fatalf("SendForRevision failed: %v", err)
	}
	done := &Stage{
		ID:             reworks[0].ID,
		Name:           "Winding",
		EmployeeName:   "Petr",
		Completed:      true,
		AdditionalInfo: map[string]interface{}{"note": "rewound"},
	}
	if _, err := f.units.RecordStages(ctx, "U-1", []*Stage{done}, "petr"); err != nil {
		t.Fatalf("RecordStages failed: %v", err)
	}
	stage, _ := f.store.GetStage(ctx, reworks[0].ID)
	if !stage.Completed || stage.EmployeeName != "Petr" || stage.ReworkOf != "S1" || !stage.IsReworked() {
		t.Errorf("rework not completed in place: %+v", stage)
	}
	if err := f.units.MarkBuilt(ctx, "U-1", ""); err != nil {
		t.Errorf("unit must leave revision once reworks are done, got %v", err)
	}

	if _, err := f.units.RecordStages(ctx, "U-1", []*Stage{{ID: "S2", Name: "Assembly"}}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected recorded stage to be rejected, got %v", err)
	}
	if _, err := f.units.RecordStages(ctx, "U-1", nil, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input for empty submission, got %v", err)
	}
	f.setUnitStatus(t, "U-1", UnitStatusApproved)
	if _, err := f.units.RecordStages(ctx, "U-1", []*Stage{{Name: "Late"}}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected approved unit to be closed, got %v", err)
	}
}

func TestUnitService_SetSerialNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.units.SetSerialNumber(ctx, "U-1", " SN-0042 ", "master")
	if err != nil || !changed {
		t.Fatalf("SetSerialNumber failed: changed=%v err=%v", changed, err)
	}
	u, _ := f.store.GetUnit(ctx, "U-1")
	if u.SerialNumber != "SN-0042" {
		t.Errorf("unexpected serial: %q", u.SerialNumber)
	}

	changed, err = f.units.SetSerialNumber(ctx, "U-1", "SN-0042", "master")
	if err != nil || changed {
		t.Errorf("same serial must be a no-op, got changed=%v err=%v", changed, err)
	}
	audit, _ := f.store.ListAudit(ctx, "U-1", 0)
	if len(audit) != 1 || audit[0].Action != "unit.set_serial_number" {
		t.Errorf("expected one serial audit entry, got %+v", audit)
	}

	if _, err := f.units.SetSerialNumber(ctx, "U-1", "  ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if _, err := f.units.SetSerialNumber(ctx, "U-404", "SN-1", ""); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	f.setUnitStatus(t, "U-1", UnitStatusFinalized)
	if _, err := f.units.SetSerialNumber(ctx, "U-1", "SN-9", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected finalized unit to keep its serial, got %v", err)
	}
}

func TestUnitService_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.protocols.SubmitOrUpdate(ctx, "U-1", nil, "")
	if err != nil {
		t.Fatalf("SubmitOrUpdate failed: %v", err)
	}
	if _, err := f.protocols.Approve(ctx, "U-1", ""); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	u, _ := f.store.GetUnit(ctx, "U-1")

	if err := f.units.Delete(ctx, "U-1", "admin"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := f.store.GetUnit(ctx, "U-1"); !IsNotFound(err) {
		t.Errorf("expected unit to be gone, got %v", err)
	}
	if stages, _ := f.store.ListStages(ctx, u.UUID); len(stages) != 0 {
		t.Errorf("expected stages to be gone, got %d", len(stages))
	}
	if _, err := f.store.GetProtocol(ctx, "U-1"); !IsNotFound(err) {
		t.Errorf("expected protocol to be gone, got %v", err)
	}
	job, _ := f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if job.Status != AnchorJobFailed {
		t.Errorf("expected anchoring to be withdrawn, got %s", job.Status)
	}
	audit, _ := f.store.ListAudit(ctx, "U-1", 0)
	if last := audit[len(audit)-1]; last.Action != "unit.delete" || last.Actor != "admin" {
		t.Errorf("expected delete to be audited, got %+v", last)
	}

	if err := f.units.Delete(ctx, "U-1", ""); !IsNotFound(err) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestUnitService_DeleteFinalizedRejected(t *testing.T) {
	f := newFixture(t)
	f.setUnitStatus(t, "U-1", UnitStatusFinalized)

	if err := f.units.Delete(context.Background(), "U-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusFinalized {
		t.Errorf("finalized unit must stay, got %s", got)
	}
}

func TestUnitService_RevisionOfReworkThenCancelOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setUnitStatus(t, "U-1", UnitStatusBuilt)

	reworks, err := f.units.SendForRevision(ctx, "U-1", []string{"S1"}, "")
	if err != nil {
		t.Fatalf("SendForRevision failed: %v", err)
	}
	again, err := f.units.SendForRevision(ctx, "U-1", []string{reworks[0].ID}, "")
	if err != nil {
		t.Fatalf("SendForRevision of rework failed: %v", err)
	}
	if again[0].ID != reworks[0].ID {
		t.Fatalf("expected the active rework back, got %s", again[0].ID)
	}

	if err := f.units.CancelRevision(ctx, "S1", nil); err != nil {
		t.Fatalf("CancelRevision failed: %v", err)
	}
	if got := f.unitStatus(t, "U-1"); got != UnitStatusBuilt {
		t.Errorf("expected built once the only revision is cancelled, got %s", got)
	}
}
