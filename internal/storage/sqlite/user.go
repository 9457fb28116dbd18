package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/portcullis-gw/portcullis/internal"
	"github.com/portcullis-gw/portcullis/internal/storage"
)

// ErrNotFound is returned when a lookup finds no matching user.
var ErrNotFound = errors.New("user not found")

// CreateUser inserts a new user. A username collision returns an error
// wrapping gateway.ErrConflict, letting the caller map it to 409 Conflict.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, roles, scopes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(roles), string(scopes),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
		return fmt.Errorf("%w: %v", gateway.ErrConflict, err)
	}
	return err
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, password_hash, roles, scopes, created_at
		 FROM users WHERE username = ?`, username,
	)

	var u storage.User
	var rolesJSON, scopesJSON sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &rolesJSON, &scopesJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if rolesJSON.Valid {
		if err := json.Unmarshal([]byte(rolesJSON.String), &u.Roles); err != nil {
			return nil, err
		}
	}
	if scopesJSON.Valid {
		if err := json.Unmarshal([]byte(scopesJSON.String), &u.Scopes); err != nil {
			return nil, err
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}
