package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type IPBanRepository struct {
	db *database.DB
}

func NewIPBanRepository(db *database.DB) *IPBanRepository {
	return &IPBanRepository{db: db}
}

const ipBanColumns = `id, ip, reason, ban_type, banned_at, expires_at, created_by,
	unbanned_at, unbanned_by, unban_reason`

func scanIPBanRow(scanner rowScanner) (*models.IPBanRecord, error) {
	var b models.IPBanRecord
	var unbanReason *string

	err := scanner.Scan(
		&b.ID, &b.IP, &b.Reason, &b.BanType, &b.BannedAt, &b.ExpiresAt,
		&b.CreatedBy, &b.UnbannedAt, &b.UnbannedBy, &unbanReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if unbanReason != nil {
		b.UnbanReason = *unbanReason
	}
	return &b, nil
}

// Create inserts a ban inside a transaction that first reaps expired active
// rows for the same IP. The partial unique index on (ip) WHERE unbanned_at
// IS NULL then guarantees at most one active ban per address even under
// concurrent inserts; the loser surfaces models.ErrConflict.
func (r *IPBanRepository) Create(ctx context.Context, ban *models.IPBanRecord) (*models.IPBanRecord, error) {
	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}

	var created *models.IPBanRecord
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		// Expired-but-unlifted rows still hold the unique slot. Mark them
		// lifted so a fresh ban can take their place.
		_, err := tx.Exec(ctx, `
			UPDATE ip_bans
			SET unbanned_at = now(), unban_reason = 'expired'
			WHERE ip = $1 AND unbanned_at IS NULL
			  AND expires_at IS NOT NULL AND expires_at <= now()
		`, ban.IP)
		if err != nil {
			return database.MapPostgresError(err)
		}

		query := `
			INSERT INTO ip_bans (id, ip, reason, ban_type, banned_at, expires_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING ` + ipBanColumns

		created, err = scanIPBanRow(tx.QueryRow(ctx, query,
			ban.ID, ban.IP, ban.Reason, ban.BanType, ban.BannedAt, ban.ExpiresAt, ban.CreatedBy,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetActiveByIP returns the live ban for an address, models.ErrNotFound
// when the address is not banned.
func (r *IPBanRepository) GetActiveByIP(ctx context.Context, ip string) (*models.IPBanRecord, error) {
	query := `
		SELECT ` + ipBanColumns + `
		FROM ip_bans
		WHERE ip = $1 AND unbanned_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())
	`

	return scanIPBanRow(r.db.Pool.QueryRow(ctx, query, ip))
}

// GetLatestByIP returns the newest ban record for an address regardless of
// state, models.ErrNotFound when the address has no ban history at all.
func (r *IPBanRepository) GetLatestByIP(ctx context.Context, ip string) (*models.IPBanRecord, error) {
	query := `
		SELECT ` + ipBanColumns + `
		FROM ip_bans
		WHERE ip = $1
		ORDER BY banned_at DESC
		LIMIT 1
	`

	return scanIPBanRow(r.db.Pool.QueryRow(ctx, query, ip))
}

func (r *IPBanRepository) GetByID(ctx context.Context, id string) (*models.IPBanRecord, error) {
	query := `SELECT ` + ipBanColumns + ` FROM ip_bans WHERE id = $1`

	return scanIPBanRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *IPBanRepository) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.IPBanRecord, error) {
	query := `SELECT ` + ipBanColumns + ` FROM ip_bans`
	if activeOnly {
		query += ` WHERE unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > now())`
	}
	query += ` ORDER BY banned_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	bans := make([]*models.IPBanRecord, 0)
	for rows.Next() {
		b, err := scanIPBanRow(rows)
		if err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}

	return bans, rows.Err()
}

func (r *IPBanRepository) Count(ctx context.Context, activeOnly bool) (int, error) {
	query := `SELECT count(*) FROM ip_bans`
	if activeOnly {
		query += ` WHERE unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > now())`
	}

	var n int
	if err := r.db.Pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

// Unban lifts the active ban for an address. The WHERE clause doubles as a
// compare and swap, so repeating the call reports false instead of
// rewriting history.
func (r *IPBanRepository) Unban(ctx context.Context, ip, actor, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE ip_bans
		SET unbanned_at = $4, unbanned_by = $2, unban_reason = $3
		WHERE ip = $1 AND unbanned_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)
	`

	tag, err := r.db.Pool.Exec(ctx, query, ip, actor, reason, at)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteInactiveBefore purges lifted or long-expired records for the
// background cleaner.
func (r *IPBanRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM ip_bans
		WHERE (unbanned_at IS NOT NULL AND unbanned_at < $1)
		   OR (unbanned_at IS NULL AND expires_at IS NOT NULL AND expires_at < $1)
	`

	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}
