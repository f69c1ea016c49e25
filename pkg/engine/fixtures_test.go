package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fixture struct {
	store     *memStore
	obs       *countingObserver
	revisions *RevisionManager
	units     *UnitService
	protocols *ProtocolService
	anchorer  *Anchorer
	content   *mockContentStore
	ledger    *mockLedger
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func strPtr(s string) *string { return &s }

func testSchema() *Schema {
	return &Schema{
		SchemaID: "motor-v1",
		UnitName: "Motor",
		ProductionStages: []StageTemplate{
			{ID: "st-winding", Name: "Winding"},
			{ID: "st-assembly", Name: "Assembly"},
		},
		Protocol: &ProtocolTemplate{
			ProtocolName:     "Motor acceptance",
			ProtocolSchemaID: "proto-motor-v1",
			Rows: []ProtocolRow{
				{Name: "voltage", Deviation: strPtr("5%")},
				{Name: "current"},
			},
		},
	}
}

// newFixture wires the services over a memStore holding one schema, one
// unit "U-1" in production and two original stages "S1" and "S2".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:   newMemStore(),
		obs:     newCountingObserver(),
		content: newMockContentStore(),
		ledger:  newMockLedger(),
	}
	logger := testLogger()

	f.revisions = NewRevisionManager(f.store, f.obs, logger)
	f.units = NewUnitService(f.store, f.revisions, nil, f.obs, logger)
	f.anchorer = NewAnchorer(f.store, f.content, f.ledger, f.obs, logger, AnchorerConfig{
		Workers:     2,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		CallTimeout: time.Second,
	})
	f.protocols = NewProtocolService(f.store, f.anchorer, f.obs, logger)

	if err := f.store.PutSchema(ctx, testSchema()); err != nil {
		t.Fatalf("PutSchema failed: %v", err)
	}
	unit := &Unit{InternalID: "U-1", SchemaID: "motor-v1"}
	if err := f.units.Create(ctx, unit); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i, id := range []string{"S1", "S2"} {
		started := time.Date(2024, 3, 1, 8, i, 0, 0, time.UTC)
		err := f.store.AppendStage(ctx, &Stage{
			ID:               id,
			Name:             testSchema().ProductionStages[i].Name,
			ParentUnitUUID:   unit.UUID,
			Number:           i + 1,
			SchemaStageID:    testSchema().ProductionStages[i].ID,
			EmployeeName:     "Ivan",
			Completed:        true,
			SessionStartTime: &started,
			SessionEndTime:   &started,
			AdditionalInfo:   map[string]interface{}{"note": "ok"},
			CreatedAt:        started,
		})
		if err != nil {
			t.Fatalf("AppendStage failed: %v", err)
		}
	}
	return f
}

func (f *fixture) unitStatus(t *testing.T, id string) UnitStatus {
	t.Helper()
	u, err := f.store.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	return u.Status
}

func (f *fixture) setUnitStatus(t *testing.T, id string, status UnitStatus) {
	t.Helper()
	if err := f.store.UpdateUnitStatus(context.Background(), id, status); err != nil {
		t.Fatalf("UpdateUnitStatus failed: %v", err)
	}
}
