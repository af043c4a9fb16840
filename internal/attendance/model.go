package attendance

import (
	"context"
	"errors"
	"time"

	"uniscan/internal/auth"
)

var (
	// ErrDuplicate is returned by repositories when an insert violates a
	// uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// User is a registered account. PasswordHash never leaves the service.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         auth.Role
	CreatedAt    time.Time
}

// UserSummary is the public view of a User.
type UserSummary struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt}
}

// Record is a single attendance mark. Day is the calendar date of Timestamp
// (YYYY-MM-DD) in the service's configured location.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	CodeData  string    `json:"code_data"`
	Timestamp time.Time `json:"timestamp"`
	Day       string    `json:"day"`
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Role      auth.Role `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserRepository is the credential store.
type UserRepository interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
}

// Ledger is the append-only attendance store. InsertRecord must reject a
// second record for the same (StudentID, CodeData, Day) with ErrDuplicate.
type Ledger interface {
	InsertRecord(ctx context.Context, rec Record) error
	FindSince(ctx context.Context, studentID, codeData string, since time.Time) (Record, error)
	ListByStudent(ctx context.Context, studentID string) ([]Record, error)
}
