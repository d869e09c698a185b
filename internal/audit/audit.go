package audit

import (
	"context"
	"log"
	"time"

	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/store"
	"tillpoint/terminal/internal/xid"
)

// Recorder persists audit events and fans high-severity ones out to an
// alert channel. The channel send never blocks: if no consumer keeps up,
// the alert is dropped and counted, while the stored event remains the
// source of truth.
type Recorder struct {
	repo    store.Repository
	alerts  chan domain.AuditEvent
	dropped func()
}

func NewRecorder(repo store.Repository, buffer int, onDropped func()) *Recorder {
	if buffer < 1 {
		buffer = 64
	}
	if onDropped == nil {
		onDropped = func() {}
	}
	return &Recorder{
		repo:    repo,
		alerts:  make(chan domain.AuditEvent, buffer),
		dropped: onDropped,
	}
}

func (r *Recorder) Record(ctx context.Context, event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = xid.New("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = domain.SeverityInfo
	}
	if event.Actor == "" {
		event.Actor = "system"
	}

	if err := r.repo.AppendAudit(ctx, event); err != nil {
		log.Printf("[audit] WARN: failed to append event type=%s entity=%s: %v", event.Type, event.EntityID, err)
	}

	if event.Severity != domain.SeverityHigh && event.Severity != domain.SeverityCritical {
		return
	}
	select {
	case r.alerts <- event:
	default:
		r.dropped()
	}
}

// Alerts exposes the high-severity stream for an operator-facing consumer.
func (r *Recorder) Alerts() <-chan domain.AuditEvent {
	return r.alerts
}

func (r *Recorder) List(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 {
		limit = 100
	}
	return r.repo.ListAudit(ctx, limit)
}
