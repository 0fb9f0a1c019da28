package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/operation"
	"github.com/lalithlochan/carbonsnap/internal/receipt"
	"github.com/lalithlochan/carbonsnap/internal/redis"
)

// Error messages returned to clients.
const (
	MsgMissingCredentials = "Missing email or password"
	MsgInvalidCredentials = "Invalid credentials"
	MsgMissingToken       = "Missing or invalid token"
	MsgInternalOnly       = "Access denied. Internal access required."
	MsgPublicOnly         = "This endpoint is for public users only"
	MsgCreateFailed       = "Failed to create operation"
	MsgInternalError      = "Internal server error"
	MsgRequestInFlight    = "Request is already being processed"
	MsgRateLimited        = "Too many requests"
)

// OperationService is the operation lifecycle the handlers drive.
type OperationService interface {
	Create(ctx context.Context, req operation.Request, channel operation.Channel) (*db.Operation, error)
	List(ctx context.Context) ([]*db.Operation, error)
	Get(ctx context.Context, operationID string) (*db.Operation, error)
}

// Authenticator checks login credentials.
type Authenticator interface {
	Login(ctx context.Context, email, password string, internal bool) (*auth.LoginResult, error)
}

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(raw string) (*auth.Claims, error)
}

// ReceiptRenderer writes an operation's PDF.
type ReceiptRenderer interface {
	Render(w io.Writer, op *db.Operation) error
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the body of both login endpoints.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Options carries the optional collaborators. Nil fields disable the
// feature they back.
type Options struct {
	Idempotency *redis.IdempotencyService
	RateLimiter *redis.RateLimiter
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger   *zap.Logger
	ops      OperationService
	auth     Authenticator
	tokens   TokenParser
	receipts ReceiptRenderer
	opts     Options
}

func NewHandler(logger *zap.Logger, ops OperationService, authn Authenticator, tokens TokenParser, receipts ReceiptRenderer, opts Options) *Handler {
	return &Handler{
		logger:   logger,
		ops:      ops,
		auth:     authn,
		tokens:   tokens,
		receipts: receipts,
		opts:     opts,
	}
}

// Routes mounts the JSON API on r.
func (h *Handler) Routes(r chi.Router) {
	loginLimit := RateLimitMiddleware(h.opts.RateLimiter, h.logger, IPKeyFunc)
	idempotent := IdempotencyMiddleware(h.opts.Idempotency, h.logger)

	r.Route("/api", func(r chi.Router) {
		r.With(loginLimit).Post("/auth/login/", h.InternalLogin)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.tokens, h.logger))
			r.Use(RequireInternal)

			r.With(idempotent).Post("/operations/", h.CreateInternalOperation)
			r.Get("/operations/", h.ListOperations)
			r.Get("/operations/{id}/", h.GetOperation)
		})
	})

	r.Route("/public", func(r chi.Router) {
		r.With(loginLimit).Post("/auth/login/", h.PublicLogin)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.tokens, h.logger))
			r.Use(RequirePublic)

			r.With(idempotent).Post("/operations/", h.CreatePublicOperation)
		})
	})

	r.With(RequireAuth(h.tokens, h.logger)).Get("/operations/{id}/receipt/", h.DownloadReceipt)
}

// InternalLogin handles POST /api/auth/login/
func (h *Handler) InternalLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, true)
}

// PublicLogin handles POST /public/auth/login/
func (h *Handler) PublicLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, false)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, internal bool) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, MsgMissingCredentials)
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password, internal)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, MsgInvalidCredentials)
			return
		}
		h.logger.Error("login failed",
			zap.Error(err),
			zap.Bool("internal", internal),
		)
		writeError(w, http.StatusInternalServerError, MsgInternalError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// CreateInternalOperation handles POST /api/operations/
func (h *Handler) CreateInternalOperation(w http.ResponseWriter, r *http.Request) {
	h.createOperation(w, r, operation.ChannelInternal)
}

// CreatePublicOperation handles POST /public/operations/
func (h *Handler) CreatePublicOperation(w http.ResponseWriter, r *http.Request) {
	h.createOperation(w, r, operation.ChannelPublic)
}

func (h *Handler) createOperation(w http.ResponseWriter, r *http.Request, channel operation.Channel) {
	var req operation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, operation.MsgMissingFields)
		return
	}

	op, err := h.ops.Create(r.Context(), req, channel)
	if err != nil {
		var verr *operation.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Message)
			return
		}
		h.logger.Error("failed to create operation",
			zap.Error(err),
			zap.String("channel", string(channel)),
		)
		writeError(w, http.StatusInternalServerError, MsgCreateFailed)
		return
	}

	writeJSON(w, http.StatusCreated, op)
}

// ListOperations handles GET /api/operations/
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.ops.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list operations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, MsgInternalError)
		return
	}

	writeJSON(w, http.StatusOK, ops)
}

// GetOperation handles GET /api/operations/{id}/
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// DownloadReceipt handles GET /operations/{id}/receipt/
func (h *Handler) DownloadReceipt(w http.ResponseWriter, r *http.Request) {
	op, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.receipts.Render(&buf, op); err != nil {
		h.logger.Error("failed to render receipt",
			zap.Error(err),
			zap.String("operation_id", op.OperationID),
		)
		writeError(w, http.StatusInternalServerError, MsgInternalError)
		return
	}

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+receipt.Filename(op)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*db.Operation, bool) {
	id := chi.URLParam(r, "id")

	op, err := h.ops.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, operation.MsgNotFound)
			return nil, false
		}
		h.logger.Error("failed to get operation",
			zap.Error(err),
			zap.String("operation_id", id),
		)
		writeError(w, http.StatusInternalServerError, MsgInternalError)
		return nil, false
	}
	return op, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
