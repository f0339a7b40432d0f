package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type AuthEventRepository struct {
	pool *pgxpool.Pool
}

func NewAuthEventRepository(db *database.DB) *AuthEventRepository {
	return &AuthEventRepository{pool: db.Pool}
}

const authEventColumns = `id, ts, event_type, principal_type, principal_id, ip,
	user_agent, result, failure_reason, details`

func scanAuthEventRow(scanner rowScanner) (*models.AuthEvent, error) {
	var e models.AuthEvent
	var failureReason *string

	err := scanner.Scan(
		&e.ID, &e.TS, &e.EventType, &e.PrincipalType, &e.PrincipalID,
		&e.IP, &e.UserAgent, &e.Result, &failureReason, &e.Details,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if failureReason != nil {
		e.FailureReason = *failureReason
	}
	return &e, nil
}

// Create appends one event. The table is insert-only; nothing ever updates
// these rows.
func (r *AuthEventRepository) Create(ctx context.Context, e *models.AuthEvent) (*models.AuthEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_events (id, ts, event_type, principal_type, principal_id, ip, user_agent, result, failure_reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + authEventColumns

	return scanAuthEventRow(r.pool.QueryRow(ctx, query,
		e.ID, e.TS, e.EventType, e.PrincipalType, e.PrincipalID,
		e.IP, e.UserAgent, e.Result, nullableString(e.FailureReason), e.Details,
	))
}

// CountFailedLoginsByIP counts failed login events from one address since
// the cutoff. Feeds the brute force detector.
func (r *AuthEventRepository) CountFailedLoginsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM auth_events
		WHERE ip = $1 AND event_type = $2 AND result = $3 AND ts >= $4
	`

	var count int
	err := r.pool.QueryRow(ctx, query, ip, models.EventLogin, models.ResultFailure, since).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// CountDistinctPrincipalsByIP counts how many different known accounts one
// address has tried and failed to log into since the cutoff. Events with no
// resolved principal do not count. Feeds the credential stuffing detector.
func (r *AuthEventRepository) CountDistinctPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT principal_id)
		FROM auth_events
		WHERE ip = $1 AND event_type = $2 AND result = $3 AND ts >= $4
		  AND principal_id IS NOT NULL
	`

	var count int
	err := r.pool.QueryRow(ctx, query, ip, models.EventLogin, models.ResultFailure, since).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

func (r *AuthEventRepository) ListByIP(ctx context.Context, ip string, limit int) ([]*models.AuthEvent, error) {
	query := `
		SELECT ` + authEventColumns + `
		FROM auth_events
		WHERE ip = $1
		ORDER BY ts DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, ip, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	events := make([]*models.AuthEvent, 0)
	for rows.Next() {
		e, err := scanAuthEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (r *AuthEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM auth_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
