package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func strPtr(s string) *string { return &s }

func TestSQLite_CreateAndGetOperation(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	created, err := repo.CreateOperation(ctx, NewOperation{
		Type:        "electricity",
		Amount:      100,
		CarbonScore: 50,
		UserEmail:   strPtr("user1@example.com"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.OperationID == "" || created.ID == 0 {
		t.Fatalf("expected ids to be assigned, got %+v", created)
	}
	if created.CreatedAt.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %s", created.CreatedAt.Location())
	}

	got, err := repo.GetOperation(ctx, created.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "electricity" || got.Amount != 100 || got.CarbonScore != 50 {
		t.Errorf("unexpected operation: %+v", got)
	}
	if got.UserEmail == nil || *got.UserEmail != "user1@example.com" {
		t.Errorf("expected user email, got %v", got.UserEmail)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("created_at mismatch: %s vs %s", got.CreatedAt, created.CreatedAt)
	}
}

func TestSQLite_AcceptsLongType(t *testing.T) {
	repo := newTestSQLite(t)

	op, err := repo.CreateOperation(context.Background(), NewOperation{Type: longType, Amount: 1, CarbonScore: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := repo.GetOperation(context.Background(), op.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != longType {
		t.Errorf("type truncated to %d chars", len(got.Type))
	}
}

func TestSQLite_OperationWithoutEmail(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	created, err := repo.CreateOperation(ctx, NewOperation{Type: "manufacturing", Amount: 200, CarbonScore: 640})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetOperation(ctx, created.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserEmail != nil {
		t.Errorf("expected nil email, got %q", *got.UserEmail)
	}
}

func TestSQLite_GetOperationNotFound(t *testing.T) {
	repo := newTestSQLite(t)

	_, err := repo.GetOperation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_ListOperationsEmpty(t *testing.T) {
	repo := newTestSQLite(t)

	ops, err := repo.ListOperations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ops == nil || len(ops) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", ops)
	}
}

func TestSQLite_ListOperationsNewestFirst(t *testing.T) {
	tests := []struct {
		name  string
		clock func(i int) time.Time
	}{
		{
			name:  "distinct timestamps",
			clock: func(i int) time.Time { return time.Date(2024, 1, 1, 12, 0, i, 0, time.UTC) },
		},
		{
			name:  "tied timestamps",
			clock: func(int) time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestSQLite(t)
			ctx := context.Background()

			for i, typ := range []string{"electricity", "transportation", "heating"} {
				i := i
				repo.now = func() time.Time { return tt.clock(i) }
				if _, err := repo.CreateOperation(ctx, NewOperation{Type: typ, Amount: 1, CarbonScore: 1}); err != nil {
					t.Fatalf("create %s: %v", typ, err)
				}
			}

			ops, err := repo.ListOperations(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}

			want := []string{"heating", "transportation", "electricity"}
			if len(ops) != len(want) {
				t.Fatalf("expected %d operations, got %d", len(want), len(ops))
			}
			for i, op := range ops {
				if op.Type != want[i] {
					t.Errorf("position %d: expected %s, got %s", i, want[i], op.Type)
				}
			}
		})
	}
}

func TestSQLite_Users(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	if _, err := repo.CreateUser(ctx, "admin@carbonconsole.com", "hash", true); err != nil {
		t.Fatalf("create user: %v", err)
	}

	u, err := repo.GetUserByEmail(ctx, "admin@carbonconsole.com", true)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.IsInternal || u.PasswordHash != "hash" {
		t.Errorf("unexpected user: %+v", u)
	}

	if _, err := repo.GetUserByEmail(ctx, "admin@carbonconsole.com", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong class, got %v", err)
	}

	if _, err := repo.GetUserByEmail(ctx, "ADMIN@carbonconsole.com", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected case-sensitive email match, got %v", err)
	}

	_, err = repo.CreateUser(ctx, "admin@carbonconsole.com", "other", false)
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected duplicate email to fail with ErrPersistence, got %v", err)
	}
}

func TestSQLite_Reset(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	_, _ = repo.CreateUser(ctx, "user1@example.com", "hash", false)
	_, _ = repo.CreateOperation(ctx, NewOperation{Type: "heating", Amount: 75, CarbonScore: 135})

	if err := repo.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	ops, _ := repo.ListOperations(ctx)
	if len(ops) != 0 {
		t.Errorf("expected no operations after reset, got %d", len(ops))
	}
	if _, err := repo.GetUserByEmail(ctx, "user1@example.com", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected users cleared, got %v", err)
	}
}

// --- failure paths through sqlmock ---

func newMockRepo(t *testing.T) (*SQLiteRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewSQLiteRepository(conn, zap.NewNop()), mock
}

func TestSQLite_CreateOperationInsertFails(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := repo.CreateOperation(context.Background(), NewOperation{Type: "heating", Amount: 1, CarbonScore: 1.8})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLite_CreateOperationBeginFails(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err := repo.CreateOperation(context.Background(), NewOperation{Type: "heating", Amount: 1, CarbonScore: 1.8})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestSQLite_CreateOperationCommitFails(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WithArgs(sqlmock.AnyArg(), "heating", 1.0, 1.8, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	_, err := repo.CreateOperation(context.Background(), NewOperation{Type: "heating", Amount: 1, CarbonScore: 1.8})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLite_ListOperationsQueryFails(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, operation_id")).
		WillReturnError(errors.New("no such table: operations"))

	if _, err := repo.ListOperations(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSQLite_GetOperationScansRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "operation_id", "type", "amount", "carbon_score", "user_email", "created_at"}).
		AddRow(int64(3), "op-1", "transportation", 50.0, 115.0, nil, created)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE operation_id = ?")).
		WithArgs("op-1").
		WillReturnRows(rows)

	op, err := repo.GetOperation(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.ID != 3 || op.CarbonScore != 115 || op.UserEmail != nil || !op.CreatedAt.Equal(created) {
		t.Errorf("unexpected operation: %+v", op)
	}
}
