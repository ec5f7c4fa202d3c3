package user

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidUser  = errors.New("invalid user data")
	ErrInvalidRole  = errors.New("invalid role")
)

// Role is stored as profile metadata. Gating driver-only actions is the
// application's job, not the identity provider's.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleRider, RoleDriver:
		return true
	}
	return false
}

// User represents an account of either role
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Phone        string    `json:"phone"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile is the caller-supplied part of a sign-up
type Profile struct {
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Role        Role   `json:"role"`
}

// Validate validates the profile fields
func (p Profile) Validate() error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return ErrInvalidUser
	}
	if !p.Role.IsValid() {
		return ErrInvalidRole
	}
	return nil
}

// Repository defines the interface for user data access
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}
