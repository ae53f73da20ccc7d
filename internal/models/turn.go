// Package models defines core data structures for turns, chunks, queries, and retrieval results.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrInvalidRole is returned when a role is not one of user, assistant, system.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole converts s (case-insensitive) to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Turn is one transcript message. Turns are append-only and never modified after creation.
type Turn struct {
	ID        string    `json:"turn_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn returns a turn with a fresh ID and the current UTC time.
func NewTurn(role Role, text string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Turn{
		ID:        NewID(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewID returns a random 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
