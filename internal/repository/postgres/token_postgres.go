package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"datagate/internal/apperror"
	"datagate/internal/model"
	"datagate/internal/repository"
)

// TokenPostgres is a PostgreSQL implementation of repository.TokenRepository.
// Redeem relies on a single conditional UPDATE, so concurrent redemptions of
// one token are serialized by the row lock.
type TokenPostgres struct {
	db *sql.DB
}

func NewTokenPostgres(db *sql.DB) *TokenPostgres {
	return &TokenPostgres{db: db}
}

var _ repository.TokenRepository = (*TokenPostgres)(nil)

const tokenColumns = `id, kind, subject_id, issued_at, expires_at, max_uses, uses_remaining, revoked`

func scanToken(row interface{ Scan(...any) error }) (*model.Token, error) {
	var t model.Token
	if err := row.Scan(
		&t.ID,
		&t.Kind,
		&t.SubjectID,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.MaxUses,
		&t.UsesRemaining,
		&t.Revoked,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TokenPostgres) Create(ctx context.Context, t model.Token) error {
	const q = `
		INSERT INTO tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, q,
		t.ID,
		t.Kind,
		t.SubjectID,
		t.IssuedAt,
		t.ExpiresAt,
		t.MaxUses,
		t.UsesRemaining,
		t.Revoked,
	)
	return err
}

func (r *TokenPostgres) Get(ctx context.Context, id string) (*model.Token, error) {
	const q = `SELECT ` + tokenColumns + ` FROM tokens WHERE id = $1`
	t, err := scanToken(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("token", id)
	}
	return t, err
}

// Redeem decrements only when every validity condition holds at now. When no
// row matches, the token is read back to name the reason.
func (r *TokenPostgres) Redeem(ctx context.Context, id string, now time.Time) (*model.Token, error) {
	const q = `
		UPDATE tokens
		SET uses_remaining = uses_remaining - 1
		WHERE id = $1 AND uses_remaining > 0 AND NOT revoked AND expires_at >= $2
		RETURNING ` + tokenColumns
	t, err := scanToken(r.db.QueryRowContext(ctx, q, id, now))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidToken(id, string(model.ReasonNotFound))
		}
		return nil, err
	}
	reason := cur.InvalidReason(now)
	if reason == model.ReasonNone {
		// valid again only if it changed between the two statements; it lost the race
		reason = model.ReasonExhausted
	}
	return nil, apperror.InvalidToken(id, string(reason))
}

func (r *TokenPostgres) Revoke(ctx context.Context, id string) error {
	const q = `UPDATE tokens SET revoked = true WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

func (r *TokenPostgres) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
