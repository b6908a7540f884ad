package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tnmwangi/paysync/internal/domain"
)

// AuditRepository reads the append-only transition log. Writes happen only
// inside the unit of work (TxStore.AppendAudit), never here.
type AuditRepository interface {
	ListByEntity(ctx context.Context, kind domain.EntityKind, entityID uuid.UUID) ([]domain.AuditRecord, error)
}

type PGAuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) AuditRepository {
	return &PGAuditRepository{db: db}
}

func (r *PGAuditRepository) ListByEntity(ctx context.Context, kind domain.EntityKind, entityID uuid.UUID) ([]domain.AuditRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT id, entity_kind, entity_id, sequence, from_state, to_state, actor, reason, correlation_id, amount_flagged, occurred_at
		FROM audit_records WHERE entity_kind=$1 AND entity_id=$2 ORDER BY sequence`, kind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AuditRecord, 0)
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.EntityKind, &rec.EntityID, &rec.Sequence, &rec.FromState, &rec.ToState, &rec.Actor, &rec.Reason, &rec.CorrelationID, &rec.AmountFlagged, &rec.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ AuditRepository = (*PGAuditRepository)(nil)
