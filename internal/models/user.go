package models

import "time"

// User is the chat-platform user; ID is the platform's numeric user id.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	TokenBalance int64     `json:"token_balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
