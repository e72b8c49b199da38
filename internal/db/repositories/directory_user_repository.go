// directory_user_repository.go implements DirectoryUserRepository, the local cache of
// remote directory principals that the reconciler reads, batches writes into, and prunes.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const directoryUserColumns = `id, external_id, username, first_name, last_name, email, is_active,
		       last_login, attributes, created_at, updated_at`

// DirectoryUserRepository handles database operations for cached directory users
type DirectoryUserRepository struct {
	db *sqlx.DB
}

// NewDirectoryUserRepository creates a new directory user repository
func NewDirectoryUserRepository(db *sqlx.DB) *DirectoryUserRepository {
	return &DirectoryUserRepository{db: db}
}

// ListAll returns every cached directory user
func (r *DirectoryUserRepository) ListAll(ctx context.Context) ([]*models.DirectoryUser, error) {
	query := `SELECT ` + directoryUserColumns + ` FROM directory_users ORDER BY created_at, id`

	var users []*models.DirectoryUser
	if err := r.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list directory users: %w", err)
	}
	return users, nil
}

// Count returns the number of cached directory users
func (r *DirectoryUserRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM directory_users`); err != nil {
		return 0, fmt.Errorf("failed to count directory users: %w", err)
	}
	return n, nil
}

// ApplyBatch inserts and updates one reconciliation batch in a single transaction.
// Either every row in the batch is written or none is.
func (r *DirectoryUserRepository) ApplyBatch(ctx context.Context, inserts, updates []*models.DirectoryUser) error {
	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin directory batch: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	now := time.Now().UTC()

	// Updates run first: the unique indexes are checked per statement, and an update may
	// release a username or external ID that an insert in the same batch takes over.
	if len(updates) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, `
			UPDATE directory_users SET
				external_id = :external_id,
				username = :username,
				first_name = :first_name,
				last_name = :last_name,
				email = :email,
				is_active = :is_active,
				last_login = :last_login,
				attributes = :attributes,
				updated_at = :updated_at
			WHERE id = :id
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare directory user update: %w", err)
		}
		defer stmt.Close()

		for _, u := range updates {
			u.UpdatedAt = now
			if _, err := stmt.ExecContext(ctx, u); err != nil {
				return fmt.Errorf("failed to update directory user %s: %w", u.ID, err)
			}
		}
	}

	if len(inserts) > 0 {
		rows := make([]models.DirectoryUser, 0, len(inserts))
		for _, u := range inserts {
			if u.ID == "" {
				u.ID = uuid.New().String()
			}
			if u.CreatedAt.IsZero() {
				u.CreatedAt = now
			}
			u.UpdatedAt = now
			rows = append(rows, *u)
		}

		query := `
			INSERT INTO directory_users (
				id, external_id, username, first_name, last_name, email, is_active,
				last_login, attributes, created_at, updated_at
			) VALUES (
				:id, :external_id, :username, :first_name, :last_name, :email, :is_active,
				:last_login, :attributes, :created_at, :updated_at
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
			return fmt.Errorf("failed to insert directory users: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit directory batch: %w", err)
	}
	return nil
}

// DeleteByIDs removes the given rows and returns how many were deleted
func (r *DirectoryUserRepository) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM directory_users WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete directory users: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	return int(n), nil
}
