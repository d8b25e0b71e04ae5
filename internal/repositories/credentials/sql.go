// Package credentials stores encrypted platform credentials.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

const columns = `id, user_id, platform, credential_type, ciphertext, nonce, tag, key_id, created_at, updated_at`

// SQLRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

// NewSQLRepository constructs a repository bound to db.
func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// Upsert inserts the credential or replaces the sealed material of the
// existing (user, platform, type) row. The row id of an existing row is kept
// and written back into c.
func (r *SQLRepository) Upsert(ctx context.Context, c *models.Credential) error {
	query := r.dialect.Rebind(`
		INSERT INTO credentials (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform, credential_type)
		DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			tag = excluded.tag,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at
		RETURNING id, created_at`)

	err := r.db.QueryRowContext(ctx, query,
		c.ID, c.UserID, string(c.Platform), c.CredentialType,
		c.Ciphertext, c.Nonce, c.Tag, c.KeyID, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return nil
}

// Get returns the credential or common.ErrorNotFound.
func (r *SQLRepository) Get(ctx context.Context, userID string, platform models.Platform, credType string) (*models.Credential, error) {
	query := r.dialect.Rebind(`SELECT ` + columns + ` FROM credentials
		WHERE user_id = ? AND platform = ? AND credential_type = ?`)
	return scanOne(r.db.QueryRowContext(ctx, query, userID, string(platform), credType))
}

// GetByID returns the credential with the given row id or common.ErrorNotFound.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := r.dialect.Rebind(`SELECT ` + columns + ` FROM credentials WHERE id = ?`)
	return scanOne(r.db.QueryRowContext(ctx, query, id))
}

// List returns every stored credential ordered by id.
func (r *SQLRepository) List(ctx context.Context) ([]*models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select credentials: %w", err)
	}
	defer rows.Close()

	var result []*models.Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListUsers returns the distinct owners of stored credentials.
func (r *SQLRepository) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM credentials ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// CompareAndSwap replaces the sealed material of c.ID only if the row still
// carries oldNonce. A concurrent writer makes it fail with
// common.ErrVersionConflict.
func (r *SQLRepository) CompareAndSwap(ctx context.Context, c *models.Credential, oldNonce []byte) error {
	query := r.dialect.Rebind(`
		UPDATE credentials
		SET ciphertext = ?, nonce = ?, tag = ?, key_id = ?, updated_at = ?
		WHERE id = ? AND nonce = ?`)

	res, err := r.db.ExecContext(ctx, query,
		c.Ciphertext, c.Nonce, c.Tag, c.KeyID, c.UpdatedAt, c.ID, oldNonce)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// Delete removes a credential. Deleting a missing row returns common.ErrorNotFound.
func (r *SQLRepository) Delete(ctx context.Context, userID string, platform models.Platform, credType string) error {
	query := r.dialect.Rebind(`DELETE FROM credentials WHERE user_id = ? AND platform = ? AND credential_type = ?`)
	res, err := r.db.ExecContext(ctx, query, userID, string(platform), credType)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.Credential, error) {
	var (
		c        models.Credential
		platform string
	)
	if err := s.Scan(&c.ID, &c.UserID, &platform, &c.CredentialType,
		&c.Ciphertext, &c.Nonce, &c.Tag, &c.KeyID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Platform = models.Platform(platform)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanOne(row *sql.Row) (*models.Credential, error) {
	c, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select credential: %w", err)
	}
	return c, nil
}
