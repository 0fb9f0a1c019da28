package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrPersistence marks a failed write. The underlying driver error is
	// wrapped alongside it.
	ErrPersistence = errors.New("persistence failure")
)

// Operation is a scored carbon operation. Records are immutable once created.
type Operation struct {
	ID          int64     `json:"-"`
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	CarbonScore float64   `json:"carbon_score"`
	UserEmail   *string   `json:"user_email"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a console account. IsInternal separates backoffice staff from
// public users; the two classes log in through different endpoints.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsInternal   bool      `json:"is_internal"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewOperation carries the fields a caller supplies at creation; the store
// assigns OperationID and CreatedAt.
type NewOperation struct {
	Type        string
	Amount      float64
	CarbonScore float64
	UserEmail   *string
}

// Store is implemented by both the Postgres and the SQLite repositories.
type Store interface {
	CreateOperation(ctx context.Context, op NewOperation) (*Operation, error)
	ListOperations(ctx context.Context) ([]*Operation, error)
	GetOperation(ctx context.Context, operationID string) (*Operation, error)

	GetUserByEmail(ctx context.Context, email string, internal bool) (*User, error)
	CreateUser(ctx context.Context, email, passwordHash string, internal bool) (*User, error)

	Reset(ctx context.Context) error
	Health(ctx context.Context) error
	Close()
}
