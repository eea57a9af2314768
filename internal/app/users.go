package app

import (
	"context"
	"errors"
	"fmt"

	"presencehub/internal/storage"
)

// RegisterUser adds userID to the users table and, when admin is set, to
// admin_users. Existing rows are left untouched.
func RegisterUser(ctx context.Context, store *storage.Store, userID string, admin bool) (created bool, err error) {
	if userID == "" {
		return false, errors.New("user id is required")
	}
	if _, err := store.CreateUser(ctx, userID); err != nil {
		if !errors.Is(err, storage.ErrUserExists) {
			return false, fmt.Errorf("create user: %w", err)
		}
	} else {
		created = true
	}
	if admin {
		if err := store.AddAdmin(ctx, userID); err != nil && !errors.Is(err, storage.ErrUserExists) {
			return created, fmt.Errorf("add admin: %w", err)
		}
	}
	return created, nil
}
