package consult

import "context"

// IdentityDirectory resolves an application user id against the account
// store that owns patients and doctors. It returns ErrUserNotFound for
// unknown users.
type IdentityDirectory interface {
	LookupUser(ctx context.Context, userID string) (*UserIdentity, error)
}
