package consult

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type directoryPG struct {
	db queryable
}

// NewDirectoryPG returns an IdentityDirectory backed by the account store's
// users table (id, role, name).
func NewDirectoryPG(pool *pgxpool.Pool) IdentityDirectory {
	return &directoryPG{db: pool}
}

func (d *directoryPG) LookupUser(ctx context.Context, userID string) (*UserIdentity, error) {
	var rawRole, name string
	err := d.db.QueryRow(ctx,
		`SELECT role, COALESCE(name, '') FROM users WHERE id::text = $1`, userID).
		Scan(&rawRole, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}

	role, err := ParseRole(rawRole)
	if err != nil {
		return nil, fmt.Errorf("user %s: %v: %w", userID, err, ErrIdentityRejected)
	}
	return &UserIdentity{UserID: userID, Role: role, DisplayName: name}, nil
}
