package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type mockContentStore struct {
	mu       sync.Mutex
	uploads  int
	failures int
	lastMeta map[string]string
	lastData []byte
}

func newMockContentStore() *mockContentStore {
	return &mockContentStore{}
}

func (m *mockContentStore) Upload(ctx context.Context, data []byte, metadata map[string]string) (ContentRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return ContentRef{}, errors.New("gateway unreachable")
	}
	m.uploads++
	m.lastMeta = metadata
	m.lastData = data
	return ContentRef{ContentID: fmt.Sprintf("bafy-%d", m.uploads)}, nil
}

type mockLedger struct {
	mu       sync.Mutex
	records  int
	failures int
}

func newMockLedger() *mockLedger {
	return &mockLedger{}
}

func (m *mockLedger) Record(ctx context.Context, contentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return "", errors.New("ledger timeout")
	}
	m.records++
	return "0x" + contentID, nil
}

func approvedProtocol(t *testing.T, f *fixture) *Protocol {
	t.Helper()
	ctx := context.Background()
	if _, err := f.protocols.SubmitOrUpdate(ctx, "U-1", []RowEdit{{Name: "voltage", Value: strPtr("220")}}, ""); err != nil {
		t.Fatalf("SubmitOrUpdate failed: %v", err)
	}
	p, err := f.protocols.Approve(ctx, "U-1", "chief")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	return p
}

// drainUntilIdle drains the queue, waiting out retry backoff, until no
// pending job is left.
func drainUntilIdle(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	pending := AnchorJobPending
	for i := 0; i < 50; i++ {
		if _, err := f.anchorer.Drain(ctx); err != nil {
			t.Fatalf("Drain failed: %v", err)
		}
		jobs, _ := f.store.ListAnchorJobs(ctx, &pending)
		if len(jobs) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("anchoring queue did not become idle")
}

func TestAnchorer_Drain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := approvedProtocol(t, f)

	n, err := f.anchorer.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one job, got %d", n)
	}

	stored, _ := f.store.GetProtocol(ctx, "U-1")
	if stored.IPFSCID != "bafy-1" || stored.TxnHash != "0xbafy-1" {
		t.Errorf("anchor outputs not stored: %+v", stored)
	}
	unit, _ := f.store.GetUnit(ctx, "U-1")
	if unit.IPFSCID != "bafy-1" || unit.TxnHash != "0xbafy-1" {
		t.Errorf("unit anchor not stored: %+v", unit)
	}

	job, err := f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if err != nil {
		t.Fatalf("GetAnchorJob failed: %v", err)
	}
	if job.Status != AnchorJobDone {
		t.Errorf("expected done, got %s", job.Status)
	}
	if f.obs.anchorJobs["done"] != 1 {
		t.Errorf("expected one done outcome, got %d", f.obs.anchorJobs["done"])
	}
}

func TestAnchorer_RetryDoesNotReupload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := approvedProtocol(t, f)
	f.ledger.failures = 1

	drainUntilIdle(t, f)

	stored, _ := f.store.GetProtocol(ctx, "U-1")
	if stored.Status != ProtocolStatusApproved {
		t.Error("anchoring failure must not touch approval")
	}
	if stored.TxnHash != "0xbafy-1" {
		t.Errorf("expected retry to record the transaction, got %+v", stored)
	}
	if f.content.uploads != 1 {
		t.Errorf("expected a single upload across retries, got %d", f.content.uploads)
	}

	job, _ := f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if job.Status != AnchorJobDone || job.Attempts != 1 {
		t.Errorf("unexpected job state: %+v", job)
	}
}

func TestAnchorer_ExhaustedJobCanBeRearmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := approvedProtocol(t, f)
	f.content.failures = 3

	drainUntilIdle(t, f)
	job, _ := f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if job.Status != AnchorJobFailed || job.Attempts != 3 {
		t.Fatalf("expected failed job after 3 attempts, got %+v", job)
	}
	stored, _ := f.store.GetProtocol(ctx, "U-1")
	if stored.Status != ProtocolStatusApproved || stored.IPFSCID != "" {
		t.Errorf("unexpected protocol after failed anchoring: %+v", stored)
	}

	if _, err := f.protocols.Approve(ctx, "U-1", "chief"); err != nil {
		t.Fatalf("re-approve failed: %v", err)
	}
	if _, err := f.anchorer.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	job, _ = f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if job.Status != AnchorJobDone {
		t.Errorf("expected rearmed job to complete, got %s", job.Status)
	}
	if f.content.uploads != 1 {
		t.Errorf("expected one successful upload, got %d", f.content.uploads)
	}
}

func TestAnchorer_MissingProtocolFailsAtOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := approvedProtocol(t, f)

	if err := f.store.DeleteProtocol(ctx, "U-1"); err != nil {
		t.Fatalf("DeleteProtocol failed: %v", err)
	}
	if _, err := f.anchorer.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	job, _ := f.store.GetAnchorJob(ctx, AnchorJobID(p.ProtocolID, ApprovalEdge))
	if job.Status != AnchorJobFailed || job.Attempts != 1 {
		t.Errorf("expected job to fail on first attempt, got %+v", job)
	}
	if f.content.uploads != 0 {
		t.Errorf("expected no upload, got %d", f.content.uploads)
	}
}

func TestAnchorer_WithoutLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.anchorer = NewAnchorer(f.store, f.content, nil, f.obs, testLogger(), AnchorerConfig{})
	f.protocols = NewProtocolService(f.store, f.anchorer, f.obs, testLogger())
	approvedProtocol(t, f)

	if _, err := f.anchorer.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	stored, _ := f.store.GetProtocol(ctx, "U-1")
	if stored.IPFSCID == "" || stored.TxnHash != "" {
		t.Errorf("expected content ID only, got %+v", stored)
	}
}

func TestAnchorer_NotifyDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.anchorer.Notify()
	}
}
