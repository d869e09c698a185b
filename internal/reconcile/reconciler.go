package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/metrics"
	"tillpoint/terminal/internal/offline"
	"tillpoint/terminal/internal/store"
)

// Reconciler drains the offline queue against the repository in capture
// order. Replay is at most once per entry: a committed or duplicate
// local_id is marked synced, a conflicting entry is parked as failed for
// operator review, and only transient failures leave the entry pending
// for the next pass.
type Reconciler struct {
	repo    store.Repository
	queue   *offline.Queue
	auditor *audit.Recorder

	mu       sync.Mutex
	lastRun  time.Time
	progress domain.SyncProgress
}

func New(repo store.Repository, queue *offline.Queue, auditor *audit.Recorder) *Reconciler {
	return &Reconciler{repo: repo, queue: queue, auditor: auditor}
}

// Start drains on the given interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				log.Printf("[reconcile] WARN: drain pass failed: %v", err)
			}
		}
	}
}

func (r *Reconciler) Drain(ctx context.Context) (domain.SyncProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	progress := domain.SyncProgress{}
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		entry, err := r.queue.NextPending(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return progress, err
		}

		done, err := r.replay(ctx, entry, &progress)
		if err != nil {
			return progress, err
		}
		if !done {
			// Transient failure: leave the entry pending and stop the
			// pass rather than spin on it.
			break
		}
	}

	counts, err := r.queue.Counts(ctx)
	if err == nil {
		progress.Remaining = counts.Pending
		metrics.QueueDepth.WithLabelValues("pending").Set(float64(counts.Pending))
		metrics.QueueDepth.WithLabelValues("failed").Set(float64(counts.Failed))
	}

	r.lastRun = time.Now().UTC()
	r.progress = progress
	return progress, nil
}

func (r *Reconciler) replay(ctx context.Context, entry domain.OfflineEntry, progress *domain.SyncProgress) (bool, error) {
	tx := entry.Payload
	tx.SyncStatus = domain.SyncCommitted

	commit := store.SaleCommit{Transaction: tx}
	if tx.CustomerID != "" {
		commit.LoyaltyDelta = &store.LoyaltyDelta{
			CustomerID:  tx.CustomerID,
			PointsDelta: tx.PointsEarned - tx.PointsRedeemed,
			SpendCents:  tx.TotalCents,
		}
	}
	// Cash from an offline sale was counted in the drawer of the session
	// that captured it. The movement lands only while that session is
	// still open; a closed ledger stays frozen.
	if tx.PaymentMethod == "cash" && tx.SessionID != "" {
		if session, err := r.repo.GetSession(ctx, tx.SessionID); err == nil && session.Status == domain.SessionActive {
			commit.CashMovement = &domain.CashMovement{
				SessionID:   tx.SessionID,
				Type:        domain.MovementSale,
				AmountCents: tx.TotalCents,
				Actor:       tx.CashierID,
			}
		}
	}

	created, duplicate, err := r.repo.CommitSale(ctx, commit)
	switch {
	case err == nil:
		if markErr := r.queue.MarkSynced(ctx, entry.LocalID, created.ID); markErr != nil {
			return false, markErr
		}
		outcome := "synced"
		if duplicate {
			outcome = "duplicate"
		}
		metrics.SyncReplayed.WithLabelValues(outcome).Inc()
		progress.Synced++
		return true, nil

	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrSyncConflict):
		if markErr := r.queue.MarkFailed(ctx, entry.LocalID, err.Error()); markErr != nil {
			return false, markErr
		}
		metrics.SyncReplayed.WithLabelValues("conflict").Inc()
		progress.Failed++
		r.auditor.Record(ctx, domain.AuditEvent{
			Type:     "sync_conflict",
			Severity: domain.SeverityHigh,
			Actor:    tx.CashierID,
			EntityID: entry.LocalID,
			Detail:   fmt.Sprintf("attempts=%d,reason=%s", entry.Attempts+1, err.Error()),
		})
		return true, nil

	default:
		if markErr := r.queue.RecordAttempt(ctx, entry.LocalID, err.Error()); markErr != nil {
			return false, markErr
		}
		metrics.SyncReplayed.WithLabelValues("transient").Inc()
		return false, nil
	}
}

func (r *Reconciler) Status(ctx context.Context) (domain.QueueCounts, domain.SyncProgress, time.Time, error) {
	counts, err := r.queue.Counts(ctx)
	if err != nil {
		return domain.QueueCounts{}, domain.SyncProgress{}, time.Time{}, err
	}
	r.mu.Lock()
	progress := r.progress
	lastRun := r.lastRun
	r.mu.Unlock()
	return counts, progress, lastRun, nil
}

func (r *Reconciler) Failed(ctx context.Context, limit int) ([]domain.OfflineEntry, error) {
	return r.queue.ListByStatus(ctx, domain.SyncFailed, limit)
}
