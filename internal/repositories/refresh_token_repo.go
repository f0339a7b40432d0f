package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type RefreshTokenRepository struct {
	db *database.DB
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `id, user_id, token_hash, jti, issued_at, expires_at,
	revoked_at, replaced_by, ip, user_agent`

const refreshTokenInsert = `
	INSERT INTO refresh_tokens (id, user_id, token_hash, jti, issued_at, expires_at, ip, user_agent)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func scanRefreshTokenRow(scanner rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken

	err := scanner.Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.JTI, &t.IssuedAt, &t.ExpiresAt,
		&t.RevokedAt, &t.ReplacedBy, &t.IP, &t.UserAgent,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &t, nil
}

func (r *RefreshTokenRepository) Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	query := refreshTokenInsert + ` RETURNING ` + refreshTokenColumns

	return scanRefreshTokenRow(r.db.Pool.QueryRow(ctx, query,
		t.ID, t.UserID, t.TokenHash, t.JTI, t.IssuedAt, t.ExpiresAt, t.IP, t.UserAgent,
	))
}

func (r *RefreshTokenRepository) GetByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE jti = $1`

	return scanRefreshTokenRow(r.db.Pool.QueryRow(ctx, query, jti))
}

// Revoke marks a token revoked only if it is not already. The compare and
// swap makes concurrent rotations of the same token race safe: exactly one
// caller observes a row update and wins.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Rotate revokes the presented token and inserts its successor in one
// transaction, linking the old row to the new via replaced_by. The revoke
// is the same compare and swap as Revoke, so of two concurrent rotations
// exactly one returns true; the loser's insert never commits, leaving no
// partial token state on any failure path.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldID string, t *models.RefreshToken, at time.Time) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	won := false
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = $2, replaced_by = $3
			WHERE id = $1 AND revoked_at IS NULL
		`, oldID, at, t.ID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, refreshTokenInsert,
			t.ID, t.UserID, t.TokenHash, t.JTI, t.IssuedAt, t.ExpiresAt, t.IP, t.UserAgent,
		); err != nil {
			return database.MapPostgresError(err)
		}
		won = true
		return nil
	})
	return won && err == nil, err
}

// RevokeAllForUser revokes every live refresh token belonging to a user and
// returns how many were affected.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID, at)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *RefreshTokenRepository) ListActiveForUser(ctx context.Context, userID string) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		ORDER BY issued_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	tokens := make([]*models.RefreshToken, 0)
	for rows.Next() {
		t, err := scanRefreshTokenRow(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// DeleteExpired purges tokens that expired before the cutoff. Revoked rows
// are kept until they expire so rotation chains stay auditable.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}
