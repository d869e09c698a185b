package domain

import "time"

type InventoryRecord struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Available      int    `json:"available"`
	Reserved       int    `json:"reserved"`
}

// Sellable is the quantity a sale may draw from without touching units
// already promised to other transactions.
func (r InventoryRecord) Sellable() int {
	return r.Available - r.Reserved
}

type LoyaltyProfile struct {
	CustomerID         string `json:"customer_id"`
	Points             int64  `json:"points"`
	LifetimeSpendCents int64  `json:"lifetime_spend_cents"`
}

type CartItem struct {
	SKU           string `json:"sku"`
	Qty           int    `json:"qty"`
	DiscountCents int64  `json:"discount_cents,omitempty"`
}

type TransactionItem struct {
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type Transaction struct {
	ID             string            `json:"id"`
	LocalID        string            `json:"local_id,omitempty"`
	CashierID      string            `json:"cashier_id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	SettlementRef  string            `json:"settlement_ref,omitempty"`
	Type           string            `json:"type"`
	PaymentMethod  string            `json:"payment_method"`
	SubtotalCents  int64             `json:"subtotal_cents"`
	TaxCents       int64             `json:"tax_cents"`
	DiscountCents  int64             `json:"discount_cents"`
	TotalCents     int64             `json:"total_cents"`
	PaidCents      int64             `json:"paid_cents"`
	ChangeCents    int64             `json:"change_cents"`
	PointsEarned   int64             `json:"points_earned"`
	PointsRedeemed int64             `json:"points_redeemed"`
	SyncStatus     string            `json:"sync_status"`
	PaymentSettled bool              `json:"payment_settled"`
	CreatedAt      time.Time         `json:"created_at"`
	Items          []TransactionItem `json:"items"`
}

type CashSession struct {
	ID            string     `json:"id"`
	CashierID     string     `json:"cashier_id"`
	Status        string     `json:"status"`
	OpeningCents  int64      `json:"opening_cents"`
	ClosingCents  *int64     `json:"closing_cents,omitempty"`
	ExpectedCents int64      `json:"expected_cents"`
	VarianceCents int64      `json:"variance_cents"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

type CashMovement struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Type          string    `json:"type"`
	AmountCents   int64     `json:"amount_cents"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Actor         string    `json:"actor"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExpectedBalance folds an opening float and a movement ledger into the
// cash amount the drawer should hold. Movements carry their own sign, so
// the fold is a plain sum and is order independent.
func ExpectedBalance(openingCents int64, movements []CashMovement) int64 {
	total := openingCents
	for _, m := range movements {
		total += m.AmountCents
	}
	return total
}

type OfflineEntry struct {
	LocalID   string      `json:"local_id"`
	Payload   Transaction `json:"payload"`
	Status    string      `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Actor struct {
	ID   string
	Role string
}

type SaleRequest struct {
	LocalID       string     `json:"local_id,omitempty"`
	CustomerID    string     `json:"customer_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	PaidCents     int64      `json:"paid_cents"`
	RedeemPoints  bool       `json:"redeem_points"`
	CartItems     []CartItem `json:"cart_items"`
}

type SaleResponse struct {
	Transaction Transaction `json:"transaction"`
	Queued      bool        `json:"queued"`
	Duplicate   bool        `json:"duplicate"`
}

type ReturnRequest struct {
	OriginalTransactionID string     `json:"original_transaction_id"`
	Reason                string     `json:"reason"`
	CartItems             []CartItem `json:"cart_items"`
}

type ReturnResponse struct {
	Transaction Transaction `json:"transaction"`
}

type SessionOpenRequest struct {
	OpeningCents int64 `json:"opening_cents"`
}

type SessionCloseRequest struct {
	CountedCents int64 `json:"counted_cents"`
}

type MovementRequest struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note,omitempty"`
}

type SessionResponse struct {
	Session CashSession `json:"session"`
}

type MovementListResponse struct {
	SessionID     string         `json:"session_id"`
	ExpectedCents int64          `json:"expected_cents"`
	Movements     []CashMovement `json:"movements"`
}

type SyncProgress struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

type QueueCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type PaymentCallback struct {
	TransactionID string `json:"transaction_id"`
	Provider      string `json:"provider"`
	Reference     string `json:"reference"`
	AmountCents   int64  `json:"amount_cents"`
	Status        string `json:"status"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Actor     string    `json:"actor"`
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	TxTypeSale       = "sale"
	TxTypeReturn     = "return"
	TxTypeRefund     = "refund"
	TxTypeAdjustment = "adjustment"
)

const (
	SyncCommitted = "committed"
	SyncPending   = "pending"
	SyncFailed    = "failed"
)

const (
	SessionActive     = "active"
	SessionClosed     = "closed"
	SessionReconciled = "reconciled"
)

const (
	MovementSale       = "sale"
	MovementReturn     = "return"
	MovementPayout     = "payout"
	MovementDeposit    = "deposit"
	MovementAdjustment = "adjustment"
)

const (
	SeverityInfo     = "info"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)
