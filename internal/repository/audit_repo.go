package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// AuditRepository defines the interface for audit log operations.
type AuditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type auditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new audit log repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepo{pool: pool}
}

const auditColumns = `id, user_id, event, actor_type, resource_type, resource_id, ip_address, user_agent, metadata, created_at`

// Create inserts a new audit log entry. Entries for erased users fail the
// users foreign key and are dropped.
func (r *auditRepo) Create(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, user_id, event, actor_type, resource_type, resource_id, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		log.ID,
		log.UserID,
		log.Event,
		log.ActorType,
		log.ResourceType,
		log.ResourceID,
		log.IPAddress,
		log.UserAgent,
		log.Metadata,
	).Scan(&log.CreatedAt)
	return classify(err)
}

// List retrieves audit logs based on query parameters.
func (r *auditRepo) List(ctx context.Context, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	return listAuditLogs(ctx, r.pool, q)
}

// DeleteBefore deletes audit logs older than the given time.
// Used for retention policy enforcement.
func (r *auditRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func listAuditLogs(ctx context.Context, db querier, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE user_id = $1`
	args := []any{q.UserID}

	if q.Event != nil {
		args = append(args, *q.Event)
		query += fmt.Sprintf(` AND event = $%d`, len(args))
	}
	if q.StartTime != nil {
		args = append(args, *q.StartTime)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if q.EndTime != nil {
		args = append(args, *q.EndTime)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	query += ` ORDER BY created_at DESC`

	// A zero limit means the full trail, which only exports ask for.
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*models.AuditLog{}
	for rows.Next() {
		var log models.AuditLog
		if err := rows.Scan(
			&log.ID,
			&log.UserID,
			&log.Event,
			&log.ActorType,
			&log.ResourceType,
			&log.ResourceID,
			&log.IPAddress,
			&log.UserAgent,
			&log.Metadata,
			&log.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// Compile-time check to ensure auditRepo implements AuditRepository.
var _ AuditRepository = (*auditRepo)(nil)
