package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// Repository is the Postgres-backed Store.
type Repository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new operations repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// CreateOperation inserts a scored operation in a single transaction and
// returns the stored record.
func (r *Repository) CreateOperation(ctx context.Context, in NewOperation) (*Operation, error) {
	op := &Operation{
		OperationID: uuid.NewString(),
		Type:        in.Type,
		Amount:      in.Amount,
		CarbonScore: in.CarbonScore,
		UserEmail:   in.UserEmail,
		CreatedAt:   r.now().UTC(),
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO operations (
			operation_id, type, amount, carbon_score, user_email, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING id
	`

	err = tx.QueryRow(ctx, query,
		op.OperationID,
		op.Type,
		op.Amount,
		op.CarbonScore,
		op.UserEmail,
		op.CreatedAt,
	).Scan(&op.ID)
	if err != nil {
		r.logger.Error("failed to create operation",
			zap.Error(err),
			zap.String("operation_id", op.OperationID),
			zap.Bool("unique_violation", isUniqueViolation(err)),
		)
		return nil, fmt.Errorf("%w: insert operation: %w", ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit operation: %w", ErrPersistence, err)
	}

	r.logger.Info("operation created",
		zap.String("operation_id", op.OperationID),
		zap.String("type", op.Type),
		zap.Float64("carbon_score", op.CarbonScore),
	)

	return op, nil
}

// ListOperations returns every operation, newest first. Rows sharing a
// timestamp come back in reverse insertion order.
func (r *Repository) ListOperations(ctx context.Context) ([]*Operation, error) {
	query := `
		SELECT id, operation_id, type, amount, carbon_score, user_email, created_at
		FROM operations
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		r.logger.Error("failed to list operations", zap.Error(err))
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]*Operation, 0)
	for rows.Next() {
		var op Operation
		if err := rows.Scan(
			&op.ID,
			&op.OperationID,
			&op.Type,
			&op.Amount,
			&op.CarbonScore,
			&op.UserEmail,
			&op.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.CreatedAt = op.CreatedAt.UTC()
		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, nil
}

// GetOperation retrieves an operation by its public id
func (r *Repository) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	query := `
		SELECT id, operation_id, type, amount, carbon_score, user_email, created_at
		FROM operations
		WHERE operation_id = $1
	`

	var op Operation
	err := r.db.Pool().QueryRow(ctx, query, operationID).Scan(
		&op.ID,
		&op.OperationID,
		&op.Type,
		&op.Amount,
		&op.CarbonScore,
		&op.UserEmail,
		&op.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		r.logger.Error("failed to get operation",
			zap.Error(err),
			zap.String("operation_id", operationID),
		)
		return nil, fmt.Errorf("query operation: %w", err)
	}

	op.CreatedAt = op.CreatedAt.UTC()
	return &op, nil
}

// GetUserByEmail finds a user of the given class. Email match is exact.
func (r *Repository) GetUserByEmail(ctx context.Context, email string, internal bool) (*User, error) {
	query := `
		SELECT id, email, password_hash, is_internal, created_at
		FROM users
		WHERE email = $1 AND is_internal = $2
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, email, internal).Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.IsInternal,
		&u.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

// CreateUser inserts a user. Used by seeding and admin tooling only.
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash string, internal bool) (*User, error) {
	u := &User{
		Email:        email,
		PasswordHash: passwordHash,
		IsInternal:   internal,
		CreatedAt:    r.now().UTC(),
	}

	query := `
		INSERT INTO users (email, password_hash, is_internal, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	if err := r.db.Pool().QueryRow(ctx, query, u.Email, u.PasswordHash, u.IsInternal, u.CreatedAt).Scan(&u.ID); err != nil {
		return nil, fmt.Errorf("%w: insert user: %w", ErrPersistence, err)
	}

	r.logger.Info("user created",
		zap.String("email", u.Email),
		zap.Bool("is_internal", u.IsInternal),
	)

	return u, nil
}

// Reset deletes all operations and users.
func (r *Repository) Reset(ctx context.Context) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM operations"); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("delete users: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	r.logger.Warn("all operations and users deleted")
	return nil
}

// Health checks if the database is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
