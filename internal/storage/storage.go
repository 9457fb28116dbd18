// Package storage defines the persistence interface for the user registry
// backing login and registration.
package storage

import (
	"context"
	"time"
)

// User is a registered credential holder.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []string
	Scopes       []string
	CreatedAt    time.Time
}

// UserStore manages user credential persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	Close() error
}
