package reconcile

import (
	"context"
	"errors"
	"testing"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/cache"
	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/offline"
	"tillpoint/terminal/internal/pos"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/store/memory"
)

type testRig struct {
	repo        *memory.Store
	queue       *offline.Queue
	coordinator *pos.Coordinator
	reconciler  *Reconciler
	ctx         context.Context
	session     domain.CashSession
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	repo := memory.NewSeeded()
	queue, err := offline.Open(":memory:")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	auditor := audit.NewRecorder(repo, 16, nil)
	coordinator := pos.NewCoordinator(repo, queue, cache.NoopLoyaltyCache{}, auditor, pos.Config{})
	ctx := pos.WithActor(context.Background(), domain.Actor{ID: "cashier", Role: "cashier"})

	session, err := repo.OpenSession(ctx, domain.CashSession{CashierID: "cashier", OpeningCents: 100000})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	return &testRig{
		repo:        repo,
		queue:       queue,
		coordinator: coordinator,
		reconciler:  New(repo, queue, auditor),
		ctx:         ctx,
		session:     session,
	}
}

func (rig *testRig) captureOffline(t *testing.T, localID string, qty int) domain.SaleResponse {
	t.Helper()
	rig.coordinator.SetOnline(false)
	defer rig.coordinator.SetOnline(true)

	resp, err := rig.coordinator.SubmitSale(rig.ctx, domain.SaleRequest{
		LocalID:       localID,
		PaymentMethod: "cash",
		PaidCents:     1000000,
		CartItems:     []domain.CartItem{{SKU: "SKU-MIE-01", Qty: qty}},
	})
	if err != nil {
		t.Fatalf("capture offline sale: %v", err)
	}
	if !resp.Queued {
		t.Fatalf("offline sale should be queued")
	}
	return resp
}

func TestDrainCommitsCapturedSales(t *testing.T) {
	rig := newTestRig(t)
	rig.captureOffline(t, "local-rt-1", 2)
	rig.captureOffline(t, "local-rt-2", 1)

	progress, err := rig.reconciler.Drain(rig.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.Synced != 2 || progress.Failed != 0 || progress.Remaining != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	tx, err := rig.repo.GetTransactionByLocalID(rig.ctx, "local-rt-1")
	if err != nil {
		t.Fatalf("replayed sale missing: %v", err)
	}
	if tx.SyncStatus != domain.SyncCommitted {
		t.Fatalf("expected committed status, got %s", tx.SyncStatus)
	}

	rec, err := rig.repo.GetInventory(rig.ctx, "SKU-MIE-01")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Available != 117 {
		t.Fatalf("expected available 117 after replay, got %d", rec.Available)
	}

	movements, err := rig.repo.ListMovements(rig.ctx, rig.session.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("each replayed cash sale leaves one movement, got %d", len(movements))
	}
}

func TestDrainIsIdempotentAcrossPasses(t *testing.T) {
	rig := newTestRig(t)
	rig.captureOffline(t, "local-idem", 2)

	if _, err := rig.reconciler.Drain(rig.ctx); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if _, err := rig.reconciler.Drain(rig.ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}

	rec, err := rig.repo.GetInventory(rig.ctx, "SKU-MIE-01")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Available != 118 {
		t.Fatalf("stock must decrement exactly once across passes, got %d", rec.Available)
	}
}

func TestDuplicateEntryMarkedSyncedWithoutEffects(t *testing.T) {
	rig := newTestRig(t)

	// Commit online first, then capture the same local_id offline.
	online, err := rig.coordinator.SubmitSale(rig.ctx, domain.SaleRequest{
		LocalID:       "local-already",
		PaymentMethod: "card",
		CartItems:     []domain.CartItem{{SKU: "SKU-TEH-01", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("online sale: %v", err)
	}

	if _, err := rig.queue.Enqueue(rig.ctx, online.Transaction); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	progress, err := rig.reconciler.Drain(rig.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.Synced != 1 {
		t.Fatalf("duplicate replay should count as synced, got %+v", progress)
	}

	rec, err := rig.repo.GetInventory(rig.ctx, "SKU-TEH-01")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Available != 119 {
		t.Fatalf("duplicate replay must not touch stock again, got %d", rec.Available)
	}
}

func TestConflictingEntryParkedAndNeverRetried(t *testing.T) {
	rig := newTestRig(t)

	conflicting := domain.Transaction{
		LocalID:       "local-conflict",
		CashierID:     "cashier",
		SessionID:     rig.session.ID,
		Type:          domain.TxTypeSale,
		PaymentMethod: "card",
		SubtotalCents: 1750000,
		TotalCents:    1750000,
		PaidCents:     1750000,
		SyncStatus:    domain.SyncPending,
		Items: []domain.TransactionItem{
			{SKU: "SKU-MIE-01", Qty: 500, UnitPriceCents: 3500, LineTotalCents: 1750000},
		},
	}
	if _, err := rig.queue.Enqueue(rig.ctx, conflicting); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	progress, err := rig.reconciler.Drain(rig.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.Failed != 1 || progress.Synced != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	entry, err := rig.queue.Get(rig.ctx, "local-conflict")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != domain.SyncFailed {
		t.Fatalf("conflict should be parked as failed, got %s", entry.Status)
	}
	attempts := entry.Attempts

	// A later pass must not pick the parked entry up again.
	if _, err := rig.reconciler.Drain(rig.ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	entry, err = rig.queue.Get(rig.ctx, "local-conflict")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Attempts != attempts {
		t.Fatalf("parked entry was retried: attempts %d -> %d", attempts, entry.Attempts)
	}

	failed, err := rig.reconciler.Failed(rig.ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LocalID != "local-conflict" {
		t.Fatalf("unexpected failed listing: %+v", failed)
	}
}

func TestTamperedEntryParkedAsFailed(t *testing.T) {
	rig := newTestRig(t)

	// A queue entry whose totals no longer follow from its line items
	// must not commit on replay.
	tampered := domain.Transaction{
		LocalID:       "local-tampered",
		CashierID:     "cashier",
		SessionID:     rig.session.ID,
		Type:          domain.TxTypeSale,
		PaymentMethod: "card",
		SubtotalCents: 3500,
		TotalCents:    350000,
		PaidCents:     350000,
		SyncStatus:    domain.SyncPending,
		Items: []domain.TransactionItem{
			{SKU: "SKU-MIE-01", Qty: 1, UnitPriceCents: 3500, LineTotalCents: 3500},
		},
	}
	if _, err := rig.queue.Enqueue(rig.ctx, tampered); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	progress, err := rig.reconciler.Drain(rig.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.Failed != 1 || progress.Synced != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	if _, err := rig.repo.GetTransactionByLocalID(rig.ctx, "local-tampered"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("tampered entry must not be committed, got %v", err)
	}

	rec, err := rig.repo.GetInventory(rig.ctx, "SKU-MIE-01")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Available != 120 {
		t.Fatalf("tampered entry must not touch stock, got %d", rec.Available)
	}
}

func TestReplaySkipsMovementForClosedSession(t *testing.T) {
	rig := newTestRig(t)
	rig.captureOffline(t, "local-frozen", 1)

	if _, err := rig.repo.CloseSession(rig.ctx, rig.session.ID, 100000); err != nil {
		t.Fatalf("close session: %v", err)
	}

	progress, err := rig.reconciler.Drain(rig.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.Synced != 1 {
		t.Fatalf("replay should commit, got %+v", progress)
	}

	if _, err := rig.repo.GetTransactionByLocalID(rig.ctx, "local-frozen"); err != nil {
		t.Fatalf("replayed sale missing: %v", err)
	}

	movements, err := rig.repo.ListMovements(rig.ctx, rig.session.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	for _, m := range movements {
		if m.Type == domain.MovementSale {
			t.Fatalf("closed ledger must not receive replayed movements")
		}
	}
}

func TestStatusReportsQueueAndLastRun(t *testing.T) {
	rig := newTestRig(t)
	rig.captureOffline(t, "local-status", 1)

	counts, _, lastRun, err := rig.reconciler.Status(rig.ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("expected one pending entry, got %d", counts.Pending)
	}
	if !lastRun.IsZero() {
		t.Fatalf("no drain has run yet")
	}

	if _, err := rig.reconciler.Drain(rig.ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	counts, progress, lastRun, err := rig.reconciler.Status(rig.ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Pending != 0 || progress.Synced != 1 || lastRun.IsZero() {
		t.Fatalf("unexpected status after drain: counts=%+v progress=%+v", counts, progress)
	}
}
