package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteRepository is the database/sql Store used for local development.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteRepository)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteRepository, error) {
	memory := path == ":memory:"

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	if memory {
		dsn = "file::memory:"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	repo := NewSQLiteRepository(conn, logger)
	if err := repo.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("database connection established",
		zap.String("driver", "sqlite"),
		zap.String("path", path),
	)

	return repo, nil
}

// NewSQLiteRepository wraps an existing handle. The schema is not applied.
func NewSQLiteRepository(conn *sql.DB, logger *zap.Logger) *SQLiteRepository {
	return &SQLiteRepository{
		db:     conn,
		logger: logger,
		now:    time.Now,
	}
}

// InitSchema creates the tables if they do not exist.
func (r *SQLiteRepository) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// CreateOperation inserts a scored operation in a single transaction.
func (r *SQLiteRepository) CreateOperation(ctx context.Context, in NewOperation) (*Operation, error) {
	op := &Operation{
		OperationID: uuid.NewString(),
		Type:        in.Type,
		Amount:      in.Amount,
		CarbonScore: in.CarbonScore,
		UserEmail:   in.UserEmail,
		CreatedAt:   r.now().UTC(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO operations (operation_id, type, amount, carbon_score, user_email, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.Type, op.Amount, op.CarbonScore, op.UserEmail, op.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create operation",
			zap.Error(err),
			zap.String("operation_id", op.OperationID),
			zap.Bool("unique_violation", isSQLiteConstraint(err)),
		)
		return nil, fmt.Errorf("%w: insert operation: %w", ErrPersistence, err)
	}

	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("%w: read operation id: %w", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit operation: %w", ErrPersistence, err)
	}

	r.logger.Info("operation created",
		zap.String("operation_id", op.OperationID),
		zap.String("type", op.Type),
		zap.Float64("carbon_score", op.CarbonScore),
	)

	return op, nil
}

// ListOperations returns every operation, newest first, ties broken by
// reverse insertion order.
func (r *SQLiteRepository) ListOperations(ctx context.Context) ([]*Operation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, operation_id, type, amount, carbon_score, user_email, created_at
		 FROM operations
		 ORDER BY created_at DESC, id DESC`)
	if err != nil {
		r.logger.Error("failed to list operations", zap.Error(err))
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]*Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, nil
}

// GetOperation retrieves an operation by its public id
func (r *SQLiteRepository) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, operation_id, type, amount, carbon_score, user_email, created_at
		 FROM operations
		 WHERE operation_id = ?`, operationID)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// GetUserByEmail finds a user of the given class.
func (r *SQLiteRepository) GetUserByEmail(ctx context.Context, email string, internal bool) (*User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_internal, created_at
		 FROM users
		 WHERE email = ? AND is_internal = ?`, email, internal,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsInternal, &u.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// CreateUser inserts a user.
func (r *SQLiteRepository) CreateUser(ctx context.Context, email, passwordHash string, internal bool) (*User, error) {
	u := &User{
		Email:        email,
		PasswordHash: passwordHash,
		IsInternal:   internal,
		CreatedAt:    r.now().UTC(),
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, is_internal, created_at) VALUES (?, ?, ?, ?)`,
		u.Email, u.PasswordHash, u.IsInternal, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert user: %w", ErrPersistence, err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("%w: read user id: %w", ErrPersistence, err)
	}

	r.logger.Info("user created",
		zap.String("email", u.Email),
		zap.Bool("is_internal", u.IsInternal),
	)

	return u, nil
}

// Reset deletes all operations and users.
func (r *SQLiteRepository) Reset(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM operations"); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("delete users: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	r.logger.Warn("all operations and users deleted")
	return nil
}

// Health pings the database.
func (r *SQLiteRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the handle.
func (r *SQLiteRepository) Close() {
	if err := r.db.Close(); err != nil {
		r.logger.Warn("closing sqlite", zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op    Operation
		email sql.NullString
	)
	err := row.Scan(&op.ID, &op.OperationID, &op.Type, &op.Amount, &op.CarbonScore, &email, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	if email.Valid {
		op.UserEmail = &email.String
	}
	op.CreatedAt = op.CreatedAt.UTC()
	return &op, nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
