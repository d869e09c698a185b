package pos

import (
	"context"
	"fmt"
	"strings"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/metrics"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/xid"
)

// SessionManager drives the cash drawer lifecycle. One active session
// per cashier; a closed session freezes its ledger and the variance is
// computed once, at close.
type SessionManager struct {
	repo    store.Repository
	auditor *audit.Recorder
}

func NewSessionManager(repo store.Repository, auditor *audit.Recorder) *SessionManager {
	return &SessionManager{repo: repo, auditor: auditor}
}

func (m *SessionManager) Open(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authenticated actor required")
	}
	if req.OpeningCents < 0 {
		return domain.SessionResponse{}, store.ErrValidation
	}

	session, err := m.repo.OpenSession(ctx, domain.CashSession{
		ID:           xid.New("sess"),
		CashierID:    actor.ID,
		OpeningCents: req.OpeningCents,
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	m.auditor.Record(ctx, domain.AuditEvent{
		Type:     "session_open",
		Severity: domain.SeverityInfo,
		Actor:    actor.ID,
		EntityID: session.ID,
		Detail:   fmt.Sprintf("opening=%d", req.OpeningCents),
	})
	return domain.SessionResponse{Session: session}, nil
}

func (m *SessionManager) Active(ctx context.Context) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authenticated actor required")
	}
	session, err := m.repo.ActiveSession(ctx, actor.ID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: session}, nil
}

// Close freezes the caller's active session against the counted drawer
// amount. Variance is counted minus expected; a nonzero variance raises
// a high-severity audit alert but never blocks the close.
func (m *SessionManager) Close(ctx context.Context, req domain.SessionCloseRequest) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SessionResponse{}, fmt.Errorf("authenticated actor required")
	}
	if req.CountedCents < 0 {
		return domain.SessionResponse{}, store.ErrValidation
	}

	active, err := m.repo.ActiveSession(ctx, actor.ID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	closed, err := m.repo.CloseSession(ctx, active.ID, req.CountedCents)
	if err != nil {
		return domain.SessionResponse{}, err
	}

	metrics.SessionVariance.Set(float64(closed.VarianceCents))
	severity := domain.SeverityInfo
	if closed.VarianceCents != 0 {
		severity = domain.SeverityHigh
	}
	m.auditor.Record(ctx, domain.AuditEvent{
		Type:     "session_close",
		Severity: severity,
		Actor:    actor.ID,
		EntityID: closed.ID,
		Detail:   fmt.Sprintf("expected=%d,counted=%d,variance=%d", closed.ExpectedCents, req.CountedCents, closed.VarianceCents),
	})
	return domain.SessionResponse{Session: closed}, nil
}

func (m *SessionManager) Reconcile(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.SessionResponse{}, fmt.Errorf("admin role required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionResponse{}, store.ErrValidation
	}

	session, err := m.repo.ReconcileSession(ctx, sessionID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	m.auditor.Record(ctx, domain.AuditEvent{
		Type:     "session_reconcile",
		Severity: domain.SeverityInfo,
		Actor:    actor.ID,
		EntityID: session.ID,
		Detail:   fmt.Sprintf("variance=%d", session.VarianceCents),
	})
	return domain.SessionResponse{Session: session}, nil
}

// RecordMovement appends a manual drawer movement to the caller's active
// session. Payouts carry a negative amount, deposits a positive one; the
// sign is applied here so callers always send magnitudes.
func (m *SessionManager) RecordMovement(ctx context.Context, req domain.MovementRequest) (domain.CashMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashMovement{}, fmt.Errorf("authenticated actor required")
	}
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.AmountCents == 0 {
		return domain.CashMovement{}, store.ErrValidation
	}

	amount := req.AmountCents
	switch req.Type {
	case domain.MovementPayout:
		if amount < 0 {
			amount = -amount
		}
		amount = -amount
	case domain.MovementDeposit:
		if amount < 0 {
			amount = -amount
		}
	case domain.MovementAdjustment:
		// Adjustments keep the caller's sign.
	default:
		return domain.CashMovement{}, store.ErrValidation
	}

	active, err := m.repo.ActiveSession(ctx, actor.ID)
	if err != nil {
		return domain.CashMovement{}, err
	}

	movement, err := m.repo.AppendMovement(ctx, domain.CashMovement{
		ID:          xid.New("mv"),
		SessionID:   active.ID,
		Type:        req.Type,
		AmountCents: amount,
		Actor:       actor.ID,
		Note:        strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.CashMovement{}, err
	}

	m.auditor.Record(ctx, domain.AuditEvent{
		Type:     "cash_movement",
		Severity: domain.SeverityInfo,
		Actor:    actor.ID,
		EntityID: movement.ID,
		Detail:   fmt.Sprintf("session=%s,type=%s,amount=%d", active.ID, movement.Type, movement.AmountCents),
	})
	return movement, nil
}

func (m *SessionManager) Movements(ctx context.Context, sessionID string) (domain.MovementListResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.MovementListResponse{}, store.ErrValidation
	}
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	movements, err := m.repo.ListMovements(ctx, sessionID)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{
		SessionID:     sessionID,
		ExpectedCents: domain.ExpectedBalance(session.OpeningCents, movements),
		Movements:     movements,
	}, nil
}
