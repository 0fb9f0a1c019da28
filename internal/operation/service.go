// Package operation implements the create/list/get lifecycle of carbon
// operations: validate, score, persist, then hand the confirmation to the
// dispatcher.
package operation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/metrics"
	"github.com/lalithlochan/carbonsnap/internal/notify"
)

// Channel is the surface an operation was submitted through.
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelPublic   Channel = "public"
)

// Validation messages returned to clients.
const (
	MsgMissingFields = "Missing required fields: type, amount"
	MsgInvalidAmount = "Amount must be greater than 0"
	MsgEmailRequired = "user_email is required for public operations"
	MsgNotFound      = "Operation not found"
)

// ValidationError is a client error; nothing was scored or stored.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PersistenceError means the store rejected the write. No record exists and
// no confirmation was dispatched.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist operation: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Request is the client payload. Amount and UserEmail are pointers so that
// absent fields can be told apart from zero values.
type Request struct {
	Type      string   `json:"type"`
	Amount    *float64 `json:"amount"`
	UserEmail *string  `json:"user_email"`
}

// Repository is the part of db.Store the service needs.
type Repository interface {
	CreateOperation(ctx context.Context, op db.NewOperation) (*db.Operation, error)
	ListOperations(ctx context.Context) ([]*db.Operation, error)
	GetOperation(ctx context.Context, operationID string) (*db.Operation, error)
}

// Scorer computes a carbon score. It never fails.
type Scorer interface {
	Score(ctx context.Context, category string, amount float64) float64
}

// Dispatcher hands a confirmation job to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, job notify.Job) bool
}

type Options struct {
	// NotifyInternal also confirms internal operations that carry an email.
	NotifyInternal bool
}

type Service struct {
	repo       Repository
	scorer     Scorer
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
}

// New creates the service. dispatcher may be nil, which disables
// confirmations.
func New(repo Repository, scorer Scorer, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		scorer:     scorer,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Create validates, scores and stores an operation, then dispatches its
// confirmation. A dispatch failure never fails the create.
func (s *Service) Create(ctx context.Context, req Request, channel Channel) (*db.Operation, error) {
	email, err := validate(req, channel)
	if err != nil {
		return nil, err
	}

	amount := *req.Amount
	score := s.scorer.Score(ctx, req.Type, amount)

	op, err := s.repo.CreateOperation(ctx, db.NewOperation{
		Type:        req.Type,
		Amount:      amount,
		CarbonScore: score,
		UserEmail:   email,
	})
	if err != nil {
		s.logger.Error("failed to persist operation",
			zap.Error(err),
			zap.String("type", req.Type),
			zap.String("channel", string(channel)),
		)
		return nil, &PersistenceError{Err: err}
	}

	s.logger.Info("operation created",
		zap.String("operation_id", op.OperationID),
		zap.String("type", op.Type),
		zap.Float64("carbon_score", op.CarbonScore),
		zap.String("channel", string(channel)),
	)
	metrics.RecordOperationCreated(string(channel), op.Type)

	if s.shouldNotify(op, channel) {
		s.dispatcher.Dispatch(ctx, notify.NewJob(op))
	}

	return op, nil
}

func (s *Service) shouldNotify(op *db.Operation, channel Channel) bool {
	if s.dispatcher == nil || op.UserEmail == nil {
		return false
	}
	return channel == ChannelPublic || s.opts.NotifyInternal
}

// List returns every operation, newest first.
func (s *Service) List(ctx context.Context) ([]*db.Operation, error) {
	ops, err := s.repo.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Get returns one operation or db.ErrNotFound.
func (s *Service) Get(ctx context.Context, operationID string) (*db.Operation, error) {
	op, err := s.repo.GetOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// validate checks req and returns the normalized owner email.
func validate(req Request, channel Channel) (*string, error) {
	if strings.TrimSpace(req.Type) == "" || req.Amount == nil {
		return nil, &ValidationError{Message: MsgMissingFields}
	}

	amount := *req.Amount
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, &ValidationError{Message: MsgInvalidAmount}
	}

	var email *string
	if req.UserEmail != nil && strings.TrimSpace(*req.UserEmail) != "" {
		e := strings.TrimSpace(*req.UserEmail)
		email = &e
	}

	if channel == ChannelPublic && email == nil {
		return nil, &ValidationError{Message: MsgEmailRequired}
	}

	return email, nil
}
