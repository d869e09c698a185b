package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory (
			sku TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			available INTEGER NOT NULL DEFAULT 0,
			reserved INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			local_id TEXT UNIQUE,
			cashier_id TEXT NOT NULL,
			customer_id TEXT,
			session_id TEXT,
			reference_id TEXT,
			type TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			subtotal_cents BIGINT NOT NULL,
			tax_cents BIGINT NOT NULL,
			discount_cents BIGINT NOT NULL,
			total_cents BIGINT NOT NULL,
			paid_cents BIGINT NOT NULL,
			change_cents BIGINT NOT NULL,
			points_earned BIGINT NOT NULL DEFAULT 0,
			points_redeemed BIGINT NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL,
			payment_settled BOOLEAN NOT NULL DEFAULT false,
			settlement_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_items (
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			line_no INTEGER NOT NULL,
			sku TEXT NOT NULL,
			qty INTEGER NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			discount_cents BIGINT NOT NULL,
			line_total_cents BIGINT NOT NULL,
			PRIMARY KEY (transaction_id, line_no)
		)`,
		`CREATE TABLE IF NOT EXISTS cash_sessions (
			id TEXT PRIMARY KEY,
			cashier_id TEXT NOT NULL,
			status TEXT NOT NULL,
			opening_cents BIGINT NOT NULL,
			closing_cents BIGINT,
			expected_cents BIGINT NOT NULL DEFAULT 0,
			variance_cents BIGINT NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS cash_sessions_active_cashier
			ON cash_sessions (cashier_id) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS cash_movements (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES cash_sessions(id),
			type TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			transaction_id TEXT,
			actor TEXT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cash_movements_session ON cash_movements (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS loyalty_profiles (
			customer_id TEXT PRIMARY KEY,
			points BIGINT NOT NULL DEFAULT 0,
			lifetime_spend_cents BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor TEXT,
			entity_id TEXT,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) GetInventory(ctx context.Context, sku string) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, unit_price_cents, available, reserved
		FROM inventory
		WHERE sku = $1
	`, sku).Scan(&rec.SKU, &rec.Name, &rec.UnitPriceCents, &rec.Available, &rec.Reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryRecord{}, store.ErrNotFound
		}
		return domain.InventoryRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, unit_price_cents, available, reserved
		FROM inventory
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(&rec.SKU, &rec.Name, &rec.UnitPriceCents, &rec.Available, &rec.Reserved); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) UpsertInventory(ctx context.Context, rec domain.InventoryRecord) error {
	if rec.SKU == "" || rec.UnitPriceCents < 0 || rec.Available < 0 || rec.Reserved < 0 {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (sku, name, unit_price_cents, available, reserved, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (sku) DO UPDATE
		SET name = EXCLUDED.name,
			unit_price_cents = EXCLUDED.unit_price_cents,
			available = EXCLUDED.available,
			reserved = EXCLUDED.reserved,
			updated_at = now()
	`, rec.SKU, rec.Name, rec.UnitPriceCents, rec.Available, rec.Reserved)
	return err
}

func (s *Store) AdjustStock(ctx context.Context, sku string, delta int) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET available = available + $2, updated_at = now()
		WHERE sku = $1 AND available + $2 >= 0
		RETURNING sku, name, unit_price_cents, available, reserved
	`, sku, delta).Scan(&rec.SKU, &rec.Name, &rec.UnitPriceCents, &rec.Available, &rec.Reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetInventory(ctx, sku); lookupErr != nil {
				return domain.InventoryRecord{}, lookupErr
			}
			return domain.InventoryRecord{}, store.ErrInsufficientStock
		}
		return domain.InventoryRecord{}, err
	}
	return rec, nil
}

func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (domain.Transaction, bool, error) {
	tx := commit.Transaction
	if tx.LocalID == "" || tx.CashierID == "" || len(tx.Items) == 0 {
		return domain.Transaction{}, false, store.ErrValidation
	}
	if err := store.ValidateTotals(tx); err != nil {
		return domain.Transaction{}, false, err
	}

	if existing, err := s.GetTransactionByLocalID(ctx, tx.LocalID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Transaction{}, false, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Transaction{}, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	restock := tx.Type == domain.TxTypeReturn
	for _, item := range tx.Items {
		if item.Qty < 1 {
			return domain.Transaction{}, false, store.ErrValidation
		}

		var available, reserved int
		err := pgTx.QueryRowContext(ctx, `
			SELECT available, reserved
			FROM inventory
			WHERE sku = $1
			FOR UPDATE
		`, item.SKU).Scan(&available, &reserved)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.Transaction{}, false, fmt.Errorf("sku %s: %w", item.SKU, store.ErrValidation)
			}
			return domain.Transaction{}, false, err
		}

		delta := -item.Qty
		if restock {
			delta = item.Qty
		} else if available-reserved < item.Qty {
			return domain.Transaction{}, false, store.ErrInsufficientStock
		}

		if _, err := pgTx.ExecContext(ctx, `
			UPDATE inventory
			SET available = available + $2, updated_at = now()
			WHERE sku = $1
		`, item.SKU, delta); err != nil {
			return domain.Transaction{}, false, err
		}
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.SyncStatus = domain.SyncCommitted

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, local_id, cashier_id, customer_id, session_id, reference_id,
			type, payment_method, subtotal_cents, tax_cents, discount_cents,
			total_cents, paid_cents, change_cents, points_earned,
			points_redeemed, sync_status, payment_settled, settlement_ref, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, tx.ID, tx.LocalID, tx.CashierID, nullIfEmpty(tx.CustomerID), nullIfEmpty(tx.SessionID),
		nullIfEmpty(tx.ReferenceID), tx.Type, tx.PaymentMethod, tx.SubtotalCents, tx.TaxCents,
		tx.DiscountCents, tx.TotalCents, tx.PaidCents, tx.ChangeCents, tx.PointsEarned,
		tx.PointsRedeemed, tx.SyncStatus, tx.PaymentSettled, nullIfEmpty(tx.SettlementRef), tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetTransactionByLocalID(ctx, tx.LocalID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return domain.Transaction{}, false, err
	}

	for i, item := range tx.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line_no, sku, qty, unit_price_cents, discount_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, tx.ID, i, item.SKU, item.Qty, item.UnitPriceCents, item.DiscountCents, item.LineTotalCents); err != nil {
			return domain.Transaction{}, false, err
		}
	}

	if commit.CashMovement != nil {
		movement := *commit.CashMovement
		if movement.ID == "" {
			movement.ID = xid.New("mv")
		}
		if movement.CreatedAt.IsZero() {
			movement.CreatedAt = tx.CreatedAt
		}
		movement.TransactionID = tx.ID
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, session_id, type, amount_cents, transaction_id, actor, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, movement.ID, movement.SessionID, movement.Type, movement.AmountCents,
			nullIfEmpty(movement.TransactionID), movement.Actor, nullIfEmpty(movement.Note), movement.CreatedAt); err != nil {
			return domain.Transaction{}, false, err
		}
	}

	if delta := commit.LoyaltyDelta; delta != nil && delta.CustomerID != "" {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO loyalty_profiles (customer_id, points, lifetime_spend_cents, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (customer_id) DO UPDATE
			SET points = loyalty_profiles.points + EXCLUDED.points,
				lifetime_spend_cents = loyalty_profiles.lifetime_spend_cents + EXCLUDED.lifetime_spend_cents,
				updated_at = now()
		`, delta.CustomerID, delta.PointsDelta, delta.SpendCents); err != nil {
			return domain.Transaction{}, false, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return domain.Transaction{}, false, err
	}
	return tx, false, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.getTransaction(ctx, "id = $1", id)
}

func (s *Store) GetTransactionByLocalID(ctx context.Context, localID string) (domain.Transaction, error) {
	return s.getTransaction(ctx, "local_id = $1", localID)
}

func (s *Store) getTransaction(ctx context.Context, where string, arg any) (domain.Transaction, error) {
	var tx domain.Transaction
	var customerID, sessionID, referenceID, localID, settlementRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, local_id, cashier_id, customer_id, session_id, reference_id,
			type, payment_method, subtotal_cents, tax_cents, discount_cents,
			total_cents, paid_cents, change_cents, points_earned,
			points_redeemed, sync_status, payment_settled, settlement_ref, created_at
		FROM transactions
		WHERE `+where, arg).Scan(
		&tx.ID, &localID, &tx.CashierID, &customerID, &sessionID, &referenceID,
		&tx.Type, &tx.PaymentMethod, &tx.SubtotalCents, &tx.TaxCents, &tx.DiscountCents,
		&tx.TotalCents, &tx.PaidCents, &tx.ChangeCents, &tx.PointsEarned,
		&tx.PointsRedeemed, &tx.SyncStatus, &tx.PaymentSettled, &settlementRef, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, store.ErrNotFound
		}
		return domain.Transaction{}, err
	}
	tx.LocalID = localID.String
	tx.CustomerID = customerID.String
	tx.SessionID = sessionID.String
	tx.ReferenceID = referenceID.String
	tx.SettlementRef = settlementRef.String
	tx.CreatedAt = tx.CreatedAt.UTC()

	items, err := s.listItems(ctx, tx.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.Items = items
	return tx, nil
}

func (s *Store) listItems(ctx context.Context, transactionID string) ([]domain.TransactionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty, unit_price_cents, discount_cents, line_total_cents
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionItem, 0, 8)
	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.SKU, &item.Qty, &item.UnitPriceCents, &item.DiscountCents, &item.LineTotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transactions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	txs := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (s *Store) MarkPaymentSettled(ctx context.Context, id, reference string) (domain.Transaction, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET payment_settled = true, settlement_ref = $2
		WHERE id = $1
	`, id, nullIfEmpty(reference))
	if err != nil {
		return domain.Transaction{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Transaction{}, err
	}
	if affected == 0 {
		return domain.Transaction{}, store.ErrNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (domain.CashSession, error) {
	if session.CashierID == "" || session.OpeningCents < 0 {
		return domain.CashSession{}, store.ErrValidation
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionActive
	session.ExpectedCents = session.OpeningCents

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, cashier_id, status, opening_cents, expected_cents, variance_cents, opened_at)
		VALUES ($1,$2,$3,$4,$5,0,$6)
	`, session.ID, session.CashierID, session.Status, session.OpeningCents, session.ExpectedCents, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.CashSession{}, store.ErrSessionOpen
		}
		return domain.CashSession{}, err
	}
	return session, nil
}

func (s *Store) ActiveSession(ctx context.Context, cashierID string) (domain.CashSession, error) {
	session, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, status, opening_cents, closing_cents, expected_cents, variance_cents, opened_at, closed_at
		FROM cash_sessions
		WHERE cashier_id = $1 AND status = 'active'
	`, cashierID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.CashSession{}, store.ErrNoActiveSession
	}
	return session, err
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.CashSession, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, status, opening_cents, closing_cents, expected_cents, variance_cents, opened_at, closed_at
		FROM cash_sessions
		WHERE id = $1
	`, id))
}

func (s *Store) scanSession(row *sql.Row) (domain.CashSession, error) {
	var session domain.CashSession
	var closing sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(&session.ID, &session.CashierID, &session.Status, &session.OpeningCents,
		&closing, &session.ExpectedCents, &session.VarianceCents, &session.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CashSession{}, store.ErrNotFound
		}
		return domain.CashSession{}, err
	}
	if closing.Valid {
		v := closing.Int64
		session.ClosingCents = &v
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		session.ClosedAt = &t
	}
	session.OpenedAt = session.OpenedAt.UTC()
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, id string, countedCents int64) (domain.CashSession, error) {
	if countedCents < 0 {
		return domain.CashSession{}, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.CashSession{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var session domain.CashSession
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, cashier_id, status, opening_cents, opened_at
		FROM cash_sessions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&session.ID, &session.CashierID, &session.Status, &session.OpeningCents, &session.OpenedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CashSession{}, store.ErrNotFound
		}
		return domain.CashSession{}, err
	}
	if session.Status != domain.SessionActive {
		return domain.CashSession{}, store.ErrNoActiveSession
	}

	var expected int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT $2 + COALESCE(SUM(amount_cents), 0)
		FROM cash_movements
		WHERE session_id = $1
	`, id, session.OpeningCents).Scan(&expected)
	if err != nil {
		return domain.CashSession{}, err
	}

	closedAt := time.Now().UTC()
	variance := countedCents - expected
	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed', closing_cents = $2, expected_cents = $3, variance_cents = $4, closed_at = $5
		WHERE id = $1
	`, id, countedCents, expected, variance, closedAt)
	if err != nil {
		return domain.CashSession{}, err
	}
	if err := pgTx.Commit(); err != nil {
		return domain.CashSession{}, err
	}

	session.Status = domain.SessionClosed
	session.ClosingCents = &countedCents
	session.ExpectedCents = expected
	session.VarianceCents = variance
	session.ClosedAt = &closedAt
	session.OpenedAt = session.OpenedAt.UTC()
	return session, nil
}

func (s *Store) ReconcileSession(ctx context.Context, id string) (domain.CashSession, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = 'reconciled'
		WHERE id = $1 AND status = 'closed'
	`, id)
	if err != nil {
		return domain.CashSession{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.CashSession{}, err
	}
	if affected == 0 {
		if _, lookupErr := s.GetSession(ctx, id); lookupErr != nil {
			return domain.CashSession{}, lookupErr
		}
		return domain.CashSession{}, store.ErrValidation
	}
	return s.GetSession(ctx, id)
}

func (s *Store) AppendMovement(ctx context.Context, movement domain.CashMovement) (domain.CashMovement, error) {
	if movement.SessionID == "" || movement.Type == "" {
		return domain.CashMovement{}, store.ErrValidation
	}
	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.CashMovement{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM cash_sessions WHERE id = $1 FOR UPDATE
	`, movement.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CashMovement{}, store.ErrNotFound
		}
		return domain.CashMovement{}, err
	}
	if status != domain.SessionActive {
		return domain.CashMovement{}, store.ErrNoActiveSession
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, type, amount_cents, transaction_id, actor, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.SessionID, movement.Type, movement.AmountCents,
		nullIfEmpty(movement.TransactionID), movement.Actor, nullIfEmpty(movement.Note), movement.CreatedAt)
	if err != nil {
		return domain.CashMovement{}, err
	}
	if err := pgTx.Commit(); err != nil {
		return domain.CashMovement{}, err
	}
	return movement, nil
}

func (s *Store) ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, amount_cents, transaction_id, actor, note, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 32)
	for rows.Next() {
		var m domain.CashMovement
		var txID, note sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.AmountCents, &txID, &m.Actor, &note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.TransactionID = txID.String
		m.Note = note.String
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) GetLoyalty(ctx context.Context, customerID string) (domain.LoyaltyProfile, error) {
	var profile domain.LoyaltyProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, points, lifetime_spend_cents
		FROM loyalty_profiles
		WHERE customer_id = $1
	`, customerID).Scan(&profile.CustomerID, &profile.Points, &profile.LifetimeSpendCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LoyaltyProfile{}, store.ErrNotFound
		}
		return domain.LoyaltyProfile{}, err
	}
	return profile, nil
}

func (s *Store) UpsertLoyalty(ctx context.Context, profile domain.LoyaltyProfile) error {
	if profile.CustomerID == "" {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_profiles (customer_id, points, lifetime_spend_cents, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (customer_id) DO UPDATE
		SET points = EXCLUDED.points,
			lifetime_spend_cents = EXCLUDED.lifetime_spend_cents,
			updated_at = now()
	`, profile.CustomerID, profile.Points, profile.LifetimeSpendCents)
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserAccount{}, store.ErrNotFound
		}
		return domain.UserAccount{}, err
	}
	return user, nil
}

func (s *Store) UpsertUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			active = EXCLUDED.active
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = xid.New("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, severity, actor, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.ID, event.Type, event.Severity, nullIfEmpty(event.Actor), nullIfEmpty(event.EntityID),
		nullIfEmpty(event.Detail), event.CreatedAt)
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, actor, entity_id, detail, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		var event domain.AuditEvent
		var actor, entityID, detail sql.NullString
		if err := rows.Scan(&event.ID, &event.Type, &event.Severity, &actor, &entityID, &detail, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Actor = actor.String
		event.EntityID = entityID.String
		event.Detail = detail.String
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
