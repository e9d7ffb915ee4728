package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/model"
)

// UpsertUser caches an identity reference fetched from the identity
// service. Users are opaque values here; the chat core never mutates them
// beyond refreshing the cache.
func (db *DB) UpsertUser(u *model.User) error {
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, avatar_ref, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.AvatarRef, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns a cached user by id, or nil.
func (db *DB) GetUser(id string) (*model.User, error) {
	var u model.User
	err := db.QueryRow(`SELECT id, display_name, avatar_ref FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.AvatarRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
