package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DeliveredJoke is a joke that was shown to a chat.
type DeliveredJoke struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chat_id"`
	SessionID   string    `json:"session_id"`
	RequestID   uint64    `json:"request_id"`
	English     string    `json:"english"`
	Translation string    `json:"translation"`
	Hash        string    `json:"hash"`
	Punished    bool      `json:"punished"`
	Retried     bool      `json:"retried"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenerationFailure is a fetch that ended in an error shown to a chat.
type GenerationFailure struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SessionID string    `json:"session_id"`
	RequestID uint64    `json:"request_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID              int64     `json:"id"`
	TelegramID      int64     `json:"telegram_id"`
	Username        string    `json:"username"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	UnfunnyCount    int       `json:"unfunny_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastInteraction time.Time `json:"last_interaction"`
}

type Stats struct {
	Delivered int
	Punished  int
	Retried   int
	Failures  int
	Unfunny   int
	Users     int
}

type JokeEventKind string

const (
	EventDelivered JokeEventKind = "delivered"
	EventUnfunny   JokeEventKind = "unfunny"
	EventFailed    JokeEventKind = "failed"
)

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
