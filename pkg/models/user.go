package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account. Every task and API key belongs to a user.
type User struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Email       string    `db:"email"        json:"email"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Plan        string    `db:"plan"         json:"plan"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}
