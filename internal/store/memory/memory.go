package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/xid"
)

type Store struct {
	mu                    sync.RWMutex
	inventoryBySKU        map[string]domain.InventoryRecord
	transactionsByID      map[string]*domain.Transaction
	transactionsByLocalID map[string]*domain.Transaction
	txOrder               []string
	sessionsByID          map[string]domain.CashSession
	activeSessionByUser   map[string]string
	movementsBySession    map[string][]domain.CashMovement
	loyaltyByCustomer     map[string]domain.LoyaltyProfile
	usersByUsername       map[string]domain.UserAccount
	auditEvents           []domain.AuditEvent
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. They are never
// used in production (the server uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	items := []domain.InventoryRecord{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", UnitPriceCents: 3500, Available: 120},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", UnitPriceCents: 26500, Available: 120},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", UnitPriceCents: 18900, Available: 120},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", UnitPriceCents: 17800, Available: 120},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", UnitPriceCents: 2600, Available: 120},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", UnitPriceCents: 17400, Available: 120},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", UnitPriceCents: 9800, Available: 120},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", UnitPriceCents: 3900, Available: 120},
	}

	inventory := make(map[string]domain.InventoryRecord, len(items))
	for _, rec := range items {
		inventory[rec.SKU] = rec
	}

	return &Store{
		inventoryBySKU:        inventory,
		transactionsByID:      make(map[string]*domain.Transaction),
		transactionsByLocalID: make(map[string]*domain.Transaction),
		sessionsByID:          make(map[string]domain.CashSession),
		activeSessionByUser:   make(map[string]string),
		movementsBySession:    make(map[string][]domain.CashMovement),
		loyaltyByCustomer:     make(map[string]domain.LoyaltyProfile),
		usersByUsername:       seedUsers(),
		auditEvents:           make([]domain.AuditEvent, 0, 128),
	}
}

func (s *Store) GetInventory(_ context.Context, sku string) (domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.inventoryBySKU[sku]
	if !ok {
		return domain.InventoryRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, len(s.inventoryBySKU))
	for _, rec := range s.inventoryBySKU {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		return cmpString(a.SKU, b.SKU)
	})
	return records, nil
}

func (s *Store) UpsertInventory(_ context.Context, rec domain.InventoryRecord) error {
	if rec.SKU == "" || rec.Name == "" || rec.UnitPriceCents < 1 || rec.Available < 0 || rec.Reserved < 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inventoryBySKU[rec.SKU] = rec
	return nil
}

func (s *Store) AdjustStock(_ context.Context, sku string, delta int) (domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventoryBySKU[sku]
	if !ok {
		return domain.InventoryRecord{}, store.ErrNotFound
	}
	next := rec.Available + delta
	if next < 0 {
		return domain.InventoryRecord{}, store.ErrInsufficientStock
	}
	rec.Available = next
	s.inventoryBySKU[sku] = rec
	return rec, nil
}

// CommitSale applies the whole unit of work under one lock. Nothing is
// written until every line has cleared the stock check, so a rejected
// sale leaves stock, movements, and loyalty exactly as they were.
func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := commit.Transaction
	if tx.LocalID == "" || tx.CashierID == "" || len(tx.Items) == 0 {
		return domain.Transaction{}, false, store.ErrValidation
	}
	if existing, ok := s.transactionsByLocalID[tx.LocalID]; ok {
		return *cloneTransaction(existing), true, nil
	}
	if err := store.ValidateTotals(tx); err != nil {
		return domain.Transaction{}, false, err
	}

	restock := tx.Type == domain.TxTypeReturn
	for _, item := range tx.Items {
		if item.Qty < 1 {
			return domain.Transaction{}, false, store.ErrValidation
		}
		rec, ok := s.inventoryBySKU[item.SKU]
		if !ok {
			return domain.Transaction{}, false, fmt.Errorf("sku %s unavailable: %w", item.SKU, store.ErrValidation)
		}
		if !restock && rec.Sellable() < item.Qty {
			return domain.Transaction{}, false, store.ErrInsufficientStock
		}
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	for _, item := range tx.Items {
		rec := s.inventoryBySKU[item.SKU]
		if restock {
			rec.Available += item.Qty
		} else {
			rec.Available -= item.Qty
		}
		s.inventoryBySKU[item.SKU] = rec
	}

	if commit.CashMovement != nil {
		mv := *commit.CashMovement
		if mv.ID == "" {
			mv.ID = xid.New("mv")
		}
		if mv.CreatedAt.IsZero() {
			mv.CreatedAt = tx.CreatedAt
		}
		mv.TransactionID = tx.ID
		s.movementsBySession[mv.SessionID] = append(s.movementsBySession[mv.SessionID], mv)
	}

	if commit.LoyaltyDelta != nil {
		delta := commit.LoyaltyDelta
		profile := s.loyaltyByCustomer[delta.CustomerID]
		profile.CustomerID = delta.CustomerID
		profile.Points += delta.PointsDelta
		profile.LifetimeSpendCents += delta.SpendCents
		s.loyaltyByCustomer[delta.CustomerID] = profile
	}

	saved := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = saved
	if tx.LocalID != "" {
		s.transactionsByLocalID[tx.LocalID] = saved
	}
	s.txOrder = append(s.txOrder, tx.ID)

	return *cloneTransaction(saved), false, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return *cloneTransaction(tx), nil
}

func (s *Store) GetTransactionByLocalID(_ context.Context, localID string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByLocalID[localID]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return *cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.txOrder))
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if tx, ok := s.transactionsByID[s.txOrder[i]]; ok {
			result = append(result, *cloneTransaction(tx))
		}
	}
	return result, nil
}

func (s *Store) MarkPaymentSettled(_ context.Context, id, reference string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	tx.PaymentSettled = true
	if reference != "" {
		tx.SettlementRef = reference
	}
	return *cloneTransaction(tx), nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashSession) (domain.CashSession, error) {
	if strings.TrimSpace(session.CashierID) == "" || session.OpeningCents < 0 {
		return domain.CashSession{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeSessionByUser[session.CashierID]; exists {
		return domain.CashSession{}, store.ErrSessionOpen
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionActive
	session.ClosingCents = nil
	session.ClosedAt = nil

	s.sessionsByID[session.ID] = session
	s.activeSessionByUser[session.CashierID] = session.ID
	return session, nil
}

func (s *Store) ActiveSession(_ context.Context, cashierID string) (domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.activeSessionByUser[cashierID]
	if !exists {
		return domain.CashSession{}, store.ErrNoActiveSession
	}
	session, exists := s.sessionsByID[id]
	if !exists || session.Status != domain.SessionActive {
		return domain.CashSession{}, store.ErrNoActiveSession
	}
	return session, nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[id]
	if !exists {
		return domain.CashSession{}, store.ErrNotFound
	}
	return session, nil
}

func (s *Store) CloseSession(_ context.Context, id string, countedCents int64) (domain.CashSession, error) {
	if countedCents < 0 {
		return domain.CashSession{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[id]
	if !exists {
		return domain.CashSession{}, store.ErrNotFound
	}
	if session.Status != domain.SessionActive {
		return domain.CashSession{}, store.ErrValidation
	}

	expected := domain.ExpectedBalance(session.OpeningCents, s.movementsBySession[id])
	closedAt := time.Now().UTC()
	session.Status = domain.SessionClosed
	session.ClosingCents = &countedCents
	session.ExpectedCents = expected
	session.VarianceCents = countedCents - expected
	session.ClosedAt = &closedAt

	delete(s.activeSessionByUser, session.CashierID)
	s.sessionsByID[id] = session
	return session, nil
}

func (s *Store) ReconcileSession(_ context.Context, id string) (domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[id]
	if !exists {
		return domain.CashSession{}, store.ErrNotFound
	}
	if session.Status != domain.SessionClosed {
		return domain.CashSession{}, store.ErrValidation
	}
	session.Status = domain.SessionReconciled
	s.sessionsByID[id] = session
	return session, nil
}

func (s *Store) AppendMovement(_ context.Context, movement domain.CashMovement) (domain.CashMovement, error) {
	if movement.SessionID == "" || movement.AmountCents == 0 {
		return domain.CashMovement{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[movement.SessionID]
	if !exists {
		return domain.CashMovement{}, store.ErrNotFound
	}
	if session.Status != domain.SessionActive {
		return domain.CashMovement{}, store.ErrNoActiveSession
	}
	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movementsBySession[movement.SessionID] = append(s.movementsBySession[movement.SessionID], movement)
	return movement, nil
}

func (s *Store) ListMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessionsByID[sessionID]; !exists {
		return nil, store.ErrNotFound
	}
	movements := s.movementsBySession[sessionID]
	result := make([]domain.CashMovement, len(movements))
	copy(result, movements)
	return result, nil
}

func (s *Store) GetLoyalty(_ context.Context, customerID string) (domain.LoyaltyProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.loyaltyByCustomer[customerID]
	if !ok {
		return domain.LoyaltyProfile{}, store.ErrNotFound
	}
	return profile, nil
}

func (s *Store) UpsertLoyalty(_ context.Context, profile domain.LoyaltyProfile) error {
	if profile.CustomerID == "" || profile.Points < 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loyaltyByCustomer[profile.CustomerID] = profile
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists || !user.Active {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return user, nil
}

func (s *Store) UpsertUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) AppendAudit(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.auditEvents = append(s.auditEvents, event)
	return nil
}

func (s *Store) ListAudit(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEvent, len(s.auditEvents))
	copy(result, s.auditEvents)
	slices.SortFunc(result, func(a, b domain.AuditEvent) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Close() error { return nil }

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.TransactionItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
