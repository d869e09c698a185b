package pos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/cache"
	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/metrics"
	"tillpoint/terminal/internal/offline"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const loyaltyCacheTTL = 5 * time.Minute

type Config struct {
	TaxRatePercent     float64
	PointValueCents    int64
	MaxLoyaltyFraction float64
	EarnDivisorCents   int64
}

// Coordinator prices a cart, validates it against stock and loyalty
// limits, and hands the whole unit of work to the repository as one
// atomic commit. When the backend is unreachable the sale is captured
// into the offline queue instead and replayed later.
type Coordinator struct {
	repo    store.Repository
	queue   *offline.Queue
	loyalty cache.LoyaltyCache
	auditor *audit.Recorder
	cfg     Config
	online  atomic.Bool
}

func NewCoordinator(repo store.Repository, queue *offline.Queue, loyalty cache.LoyaltyCache, auditor *audit.Recorder, cfg Config) *Coordinator {
	if cfg.TaxRatePercent < 0 || cfg.TaxRatePercent > 100 {
		cfg.TaxRatePercent = 0
	}
	if cfg.PointValueCents < 1 {
		cfg.PointValueCents = 1
	}
	if cfg.MaxLoyaltyFraction <= 0 || cfg.MaxLoyaltyFraction > 1 {
		cfg.MaxLoyaltyFraction = 0.10
	}
	if cfg.EarnDivisorCents < 1 {
		cfg.EarnDivisorCents = 100
	}
	if loyalty == nil {
		loyalty = cache.NoopLoyaltyCache{}
	}

	c := &Coordinator{
		repo:    repo,
		queue:   queue,
		loyalty: loyalty,
		auditor: auditor,
		cfg:     cfg,
	}
	c.online.Store(true)
	return c
}

// SetOnline flips the connectivity mode. Offline terminals capture sales
// locally instead of committing them.
func (c *Coordinator) SetOnline(online bool) {
	c.online.Store(online)
}

func (c *Coordinator) Online() bool {
	return c.online.Load()
}

func (c *Coordinator) SubmitSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, fmt.Errorf("authenticated actor required")
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, store.ErrValidation
	}
	normalized := normalizeItems(req.CartItems)
	if len(normalized) == 0 {
		return domain.SaleResponse{}, store.ErrValidation
	}
	if req.LocalID == "" {
		req.LocalID = xid.NewLocal()
	}

	// Only cash needs an open drawer; card and e-money settle outside it.
	var sessionID string
	if req.PaymentMethod == "cash" {
		session, err := c.repo.ActiveSession(ctx, actor.ID)
		if err != nil {
			if errors.Is(err, store.ErrNoActiveSession) {
				metrics.SalesRejected.WithLabelValues(domain.CodeNoActiveSession).Inc()
			}
			return domain.SaleResponse{}, err
		}
		sessionID = session.ID
	}

	// Replays short-circuit before any pricing work.
	if existing, err := c.repo.GetTransactionByLocalID(ctx, req.LocalID); err == nil {
		return domain.SaleResponse{Transaction: existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	tx, loyaltyDelta, err := c.priceCart(ctx, actor, sessionID, req, normalized)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			metrics.SalesRejected.WithLabelValues(domain.CodeInsufficientStock).Inc()
		}
		return domain.SaleResponse{}, err
	}

	if !c.online.Load() {
		return c.capture(ctx, tx)
	}

	commit := store.SaleCommit{Transaction: tx, LoyaltyDelta: loyaltyDelta}
	if tx.PaymentMethod == "cash" {
		commit.CashMovement = &domain.CashMovement{
			SessionID:   sessionID,
			Type:        domain.MovementSale,
			AmountCents: tx.TotalCents,
			Actor:       actor.ID,
		}
	}

	created, duplicate, err := c.repo.CommitSale(ctx, commit)
	if err != nil {
		if errors.Is(err, store.ErrTransientNetwork) {
			return c.capture(ctx, tx)
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			metrics.SalesRejected.WithLabelValues(domain.CodeInsufficientStock).Inc()
		}
		return domain.SaleResponse{}, err
	}

	if loyaltyDelta != nil {
		if err := c.loyalty.Invalidate(ctx, loyaltyCacheKey(loyaltyDelta.CustomerID)); err != nil {
			c.auditor.Record(ctx, domain.AuditEvent{
				Type:     "loyalty_cache_invalidate_failed",
				Severity: domain.SeverityMedium,
				Actor:    actor.ID,
				EntityID: loyaltyDelta.CustomerID,
				Detail:   err.Error(),
			})
		}
	}

	metrics.SalesCommitted.WithLabelValues(created.PaymentMethod).Inc()
	c.auditor.Record(ctx, domain.AuditEvent{
		Type:     "sale_commit",
		Severity: domain.SeverityInfo,
		Actor:    actor.ID,
		EntityID: created.ID,
		Detail:   fmt.Sprintf("total=%d,payment=%s,items=%d", created.TotalCents, created.PaymentMethod, len(created.Items)),
	})

	return domain.SaleResponse{Transaction: created, Duplicate: duplicate}, nil
}

// priceCart recomputes every line from the current catalog price and
// checks it against sellable stock. Client supplied prices are ignored,
// and a shortfall rejects the cart before it can be captured offline.
func (c *Coordinator) priceCart(ctx context.Context, actor domain.Actor, sessionID string, req domain.SaleRequest, items []domain.CartItem) (domain.Transaction, *store.LoyaltyDelta, error) {
	lines := make([]domain.TransactionItem, 0, len(items))
	subtotal := int64(0)
	lineDiscount := int64(0)
	for _, item := range items {
		rec, err := c.repo.GetInventory(ctx, item.SKU)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Transaction{}, nil, fmt.Errorf("sku %s unavailable: %w", item.SKU, store.ErrValidation)
			}
			return domain.Transaction{}, nil, err
		}
		if rec.Sellable() < item.Qty {
			return domain.Transaction{}, nil, store.ErrInsufficientStock
		}
		if item.DiscountCents < 0 || item.DiscountCents > rec.UnitPriceCents*int64(item.Qty) {
			return domain.Transaction{}, nil, store.ErrValidation
		}
		lineTotal := rec.UnitPriceCents*int64(item.Qty) - item.DiscountCents
		lines = append(lines, domain.TransactionItem{
			SKU:            item.SKU,
			Qty:            item.Qty,
			UnitPriceCents: rec.UnitPriceCents,
			DiscountCents:  item.DiscountCents,
			LineTotalCents: lineTotal,
		})
		subtotal += rec.UnitPriceCents * int64(item.Qty)
		lineDiscount += item.DiscountCents
	}

	loyaltyDiscount := int64(0)
	pointsRedeemed := int64(0)
	if req.RedeemPoints && req.CustomerID != "" {
		profile, err := c.Loyalty(ctx, req.CustomerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.Transaction{}, nil, err
		}
		cap := int64(math.Floor(float64(subtotal-lineDiscount) * c.cfg.MaxLoyaltyFraction))
		available := profile.Points * c.cfg.PointValueCents
		loyaltyDiscount = available
		if loyaltyDiscount > cap {
			loyaltyDiscount = cap
		}
		// Redeem whole points only.
		pointsRedeemed = loyaltyDiscount / c.cfg.PointValueCents
		loyaltyDiscount = pointsRedeemed * c.cfg.PointValueCents
	}

	discount := lineDiscount + loyaltyDiscount
	if discount > subtotal {
		return domain.Transaction{}, nil, store.ErrValidation
	}
	taxBase := subtotal - discount
	taxCents := int64(math.Round(float64(taxBase) * c.cfg.TaxRatePercent / 100))
	total := taxBase + taxCents

	change := int64(0)
	if req.PaymentMethod == "cash" {
		if req.PaidCents < total {
			return domain.Transaction{}, nil, store.ErrValidation
		}
		change = req.PaidCents - total
	} else {
		req.PaidCents = total
	}

	pointsEarned := int64(0)
	var delta *store.LoyaltyDelta
	if req.CustomerID != "" {
		pointsEarned = total / c.cfg.EarnDivisorCents
		delta = &store.LoyaltyDelta{
			CustomerID:  req.CustomerID,
			PointsDelta: pointsEarned - pointsRedeemed,
			SpendCents:  total,
		}
	}

	tx := domain.Transaction{
		ID:             xid.New("tx"),
		LocalID:        req.LocalID,
		CashierID:      actor.ID,
		CustomerID:     req.CustomerID,
		SessionID:      sessionID,
		Type:           domain.TxTypeSale,
		PaymentMethod:  req.PaymentMethod,
		SubtotalCents:  subtotal,
		TaxCents:       taxCents,
		DiscountCents:  discount,
		TotalCents:     total,
		PaidCents:      req.PaidCents,
		ChangeCents:    change,
		PointsEarned:   pointsEarned,
		PointsRedeemed: pointsRedeemed,
		SyncStatus:     domain.SyncCommitted,
		PaymentSettled: req.PaymentMethod == "cash",
		CreatedAt:      time.Now().UTC(),
		Items:          lines,
	}
	return tx, delta, nil
}

func (c *Coordinator) capture(ctx context.Context, tx domain.Transaction) (domain.SaleResponse, error) {
	if c.queue == nil {
		return domain.SaleResponse{}, store.ErrTransientNetwork
	}
	tx.SyncStatus = domain.SyncPending
	entry, err := c.queue.Enqueue(ctx, tx)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	metrics.SalesQueued.Inc()
	c.auditor.Record(ctx, domain.AuditEvent{
		Type:     "sale_queued",
		Severity: domain.SeverityInfo,
		Actor:    tx.CashierID,
		EntityID: tx.LocalID,
		Detail:   fmt.Sprintf("total=%d,payment=%s", tx.TotalCents, tx.PaymentMethod),
	})
	return domain.SaleResponse{Transaction: entry.Payload, Queued: true}, nil
}

func (c *Coordinator) SubmitReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ReturnResponse{}, fmt.Errorf("authenticated actor required")
	}
	if strings.TrimSpace(req.OriginalTransactionID) == "" {
		return domain.ReturnResponse{}, store.ErrValidation
	}
	normalized := normalizeItems(req.CartItems)
	if len(normalized) == 0 {
		return domain.ReturnResponse{}, store.ErrValidation
	}

	original, err := c.repo.GetTransaction(ctx, req.OriginalTransactionID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if original.Type != domain.TxTypeSale {
		return domain.ReturnResponse{}, store.ErrValidation
	}

	// A cash refund comes out of the drawer, so it needs an open session.
	var sessionID string
	if original.PaymentMethod == "cash" {
		session, err := c.repo.ActiveSession(ctx, actor.ID)
		if err != nil {
			return domain.ReturnResponse{}, err
		}
		sessionID = session.ID
	}

	purchased := make(map[string]domain.TransactionItem, len(original.Items))
	for _, line := range original.Items {
		agg := purchased[line.SKU]
		agg.SKU = line.SKU
		agg.Qty += line.Qty
		agg.UnitPriceCents = line.UnitPriceCents
		purchased[line.SKU] = agg
	}

	lines := make([]domain.TransactionItem, 0, len(normalized))
	refund := int64(0)
	for _, item := range normalized {
		bought, exists := purchased[item.SKU]
		if !exists || item.Qty > bought.Qty {
			return domain.ReturnResponse{}, store.ErrValidation
		}
		lineTotal := bought.UnitPriceCents * int64(item.Qty)
		lines = append(lines, domain.TransactionItem{
			SKU:            item.SKU,
			Qty:            item.Qty,
			UnitPriceCents: bought.UnitPriceCents,
			LineTotalCents: lineTotal,
		})
		refund += lineTotal
	}

	tx := domain.Transaction{
		ID:            xid.New("ret"),
		LocalID:       xid.NewLocal(),
		CashierID:     actor.ID,
		CustomerID:    original.CustomerID,
		SessionID:     sessionID,
		ReferenceID:   original.ID,
		Type:          domain.TxTypeReturn,
		PaymentMethod: original.PaymentMethod,
		SubtotalCents: refund,
		TotalCents:    refund,
		SyncStatus:    domain.SyncCommitted,
		CreatedAt:     time.Now().UTC(),
		Items:         lines,
	}

	commit := store.SaleCommit{Transaction: tx}
	if tx.PaymentMethod == "cash" {
		commit.CashMovement = &domain.CashMovement{
			SessionID:   sessionID,
			Type:        domain.MovementReturn,
			AmountCents: -refund,
			Actor:       actor.ID,
			Note:        strings.TrimSpace(req.Reason),
		}
	}
	if original.CustomerID != "" {
		// Claw back the points the refunded amount earned and shrink the
		// lifetime spend by the refund.
		reversal := refund / c.cfg.EarnDivisorCents
		if reversal > original.PointsEarned {
			reversal = original.PointsEarned
		}
		commit.LoyaltyDelta = &store.LoyaltyDelta{
			CustomerID:  original.CustomerID,
			PointsDelta: -reversal,
			SpendCents:  -refund,
		}
	}

	created, _, err := c.repo.CommitSale(ctx, commit)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	if commit.LoyaltyDelta != nil {
		if err := c.loyalty.Invalidate(ctx, loyaltyCacheKey(original.CustomerID)); err != nil {
			c.auditor.Record(ctx, domain.AuditEvent{
				Type:     "loyalty_cache_invalidate_failed",
				Severity: domain.SeverityMedium,
				Actor:    actor.ID,
				EntityID: original.CustomerID,
				Detail:   err.Error(),
			})
		}
	}

	c.auditor.Record(ctx, domain.AuditEvent{
		Type:     "return_commit",
		Severity: domain.SeverityMedium,
		Actor:    actor.ID,
		EntityID: created.ID,
		Detail:   fmt.Sprintf("original=%s,refund=%d,reason=%s", original.ID, refund, strings.TrimSpace(req.Reason)),
	})

	return domain.ReturnResponse{Transaction: created}, nil
}

func (c *Coordinator) Transaction(ctx context.Context, id string) (domain.Transaction, error) {
	return c.repo.GetTransaction(ctx, id)
}

func (c *Coordinator) TransactionByLocalID(ctx context.Context, localID string) (domain.Transaction, error) {
	return c.repo.GetTransactionByLocalID(ctx, localID)
}

func (c *Coordinator) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 50
	}
	return c.repo.ListTransactions(ctx, limit)
}

func (c *Coordinator) Inventory(ctx context.Context, sku string) (domain.InventoryRecord, error) {
	return c.repo.GetInventory(ctx, strings.ToUpper(strings.TrimSpace(sku)))
}

func (c *Coordinator) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	return c.repo.ListInventory(ctx)
}

func (c *Coordinator) Loyalty(ctx context.Context, customerID string) (domain.LoyaltyProfile, error) {
	key := loyaltyCacheKey(customerID)
	if cached, hit, err := c.loyalty.Get(ctx, key); err == nil && hit {
		return *cached, nil
	}
	profile, err := c.repo.GetLoyalty(ctx, customerID)
	if err != nil {
		return domain.LoyaltyProfile{}, err
	}
	_ = c.loyalty.Set(ctx, key, &profile, loyaltyCacheTTL)
	return profile, nil
}

// SettlePayment marks a transaction settled after a verified provider
// callback. Amount mismatches are audited and rejected.
func (c *Coordinator) SettlePayment(ctx context.Context, callback domain.PaymentCallback) (domain.Transaction, error) {
	tx, err := c.repo.GetTransaction(ctx, callback.TransactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if callback.AmountCents != tx.TotalCents {
		c.auditor.Record(ctx, domain.AuditEvent{
			Type:     "payment_amount_mismatch",
			Severity: domain.SeverityHigh,
			EntityID: tx.ID,
			Detail:   fmt.Sprintf("expected=%d,got=%d,provider=%s", tx.TotalCents, callback.AmountCents, callback.Provider),
		})
		return domain.Transaction{}, store.ErrValidation
	}
	settled, err := c.repo.MarkPaymentSettled(ctx, tx.ID, callback.Reference)
	if err != nil {
		return domain.Transaction{}, err
	}
	c.auditor.Record(ctx, domain.AuditEvent{
		Type:     "payment_settled",
		Severity: domain.SeverityInfo,
		EntityID: settled.ID,
		Detail:   fmt.Sprintf("provider=%s,reference=%s", callback.Provider, callback.Reference),
	})
	return settled, nil
}

func loyaltyCacheKey(customerID string) string {
	return "loyalty:" + customerID
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet":
		return true
	default:
		return false
	}
}

func normalizeItems(items []domain.CartItem) []domain.CartItem {
	type agg struct {
		qty      int
		discount int64
	}
	merged := make(map[string]agg, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		sku := strings.ToUpper(strings.TrimSpace(item.SKU))
		if sku == "" || item.Qty < 1 {
			continue
		}
		if _, seen := merged[sku]; !seen {
			order = append(order, sku)
		}
		entry := merged[sku]
		entry.qty += item.Qty
		entry.discount += item.DiscountCents
		merged[sku] = entry
	}

	normalized := make([]domain.CartItem, 0, len(merged))
	for _, sku := range order {
		entry := merged[sku]
		normalized = append(normalized, domain.CartItem{SKU: sku, Qty: entry.qty, DiscountCents: entry.discount})
	}
	return normalized
}
