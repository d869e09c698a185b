package store

import (
	"context"
	"errors"

	"tillpoint/terminal/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNoActiveSession   = errors.New("no active cash session")
	ErrSessionOpen       = errors.New("cashier already has an active session")
	ErrSyncConflict      = errors.New("sync conflict")
	ErrTransientNetwork  = errors.New("transient network failure")
)

// SaleCommit is the unit of work CommitSale applies atomically: the
// priced transaction, its cash movement when paid in cash, and the
// loyalty delta for the customer.
type SaleCommit struct {
	Transaction  domain.Transaction
	CashMovement *domain.CashMovement
	LoyaltyDelta *LoyaltyDelta
}

type LoyaltyDelta struct {
	CustomerID  string
	PointsDelta int64
	SpendCents  int64
}

// ValidateTotals rejects a transaction whose stored money figures do not
// follow from its line items. Offline queue payloads cross a trust
// boundary before replay, so both stores re-check the arithmetic inside
// CommitSale instead of trusting the caller.
func ValidateTotals(tx domain.Transaction) error {
	var lineSubtotal, lineDiscount int64
	for _, item := range tx.Items {
		if item.Qty < 1 || item.UnitPriceCents < 0 || item.DiscountCents < 0 {
			return ErrValidation
		}
		gross := item.UnitPriceCents * int64(item.Qty)
		if item.LineTotalCents != gross-item.DiscountCents {
			return ErrValidation
		}
		lineSubtotal += gross
		lineDiscount += item.DiscountCents
	}
	if tx.SubtotalCents != lineSubtotal {
		return ErrValidation
	}
	if tx.TaxCents < 0 || tx.DiscountCents < lineDiscount {
		return ErrValidation
	}
	if tx.TotalCents < 0 || tx.TotalCents != tx.SubtotalCents-tx.DiscountCents+tx.TaxCents {
		return ErrValidation
	}
	return nil
}

// Repository is the persistence contract. Implementations must apply
// CommitSale atomically: either every stock decrement, the transaction
// row, the cash movement, and the loyalty delta land together, or none
// do. A replayed LocalID returns the stored transaction with no writes.
type Repository interface {
	// Inventory.
	GetInventory(ctx context.Context, sku string) (domain.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]domain.InventoryRecord, error)
	UpsertInventory(ctx context.Context, rec domain.InventoryRecord) error
	AdjustStock(ctx context.Context, sku string, delta int) (domain.InventoryRecord, error)

	// Transactions.
	CommitSale(ctx context.Context, commit SaleCommit) (domain.Transaction, bool, error)
	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	GetTransactionByLocalID(ctx context.Context, localID string) (domain.Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	MarkPaymentSettled(ctx context.Context, id, reference string) (domain.Transaction, error)

	// Cash sessions.
	OpenSession(ctx context.Context, session domain.CashSession) (domain.CashSession, error)
	ActiveSession(ctx context.Context, cashierID string) (domain.CashSession, error)
	GetSession(ctx context.Context, id string) (domain.CashSession, error)
	CloseSession(ctx context.Context, id string, countedCents int64) (domain.CashSession, error)
	ReconcileSession(ctx context.Context, id string) (domain.CashSession, error)
	AppendMovement(ctx context.Context, movement domain.CashMovement) (domain.CashMovement, error)
	ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	// Loyalty.
	GetLoyalty(ctx context.Context, customerID string) (domain.LoyaltyProfile, error)
	UpsertLoyalty(ctx context.Context, profile domain.LoyaltyProfile) error

	// Users.
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	UpsertUser(ctx context.Context, user domain.UserAccount) error

	// Audit.
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error)

	Close() error
}
