// Package backoffice serves the HTML console internal staff use to browse
// operations and download receipts. Sessions are the same HS256 tokens the
// JSON API issues, carried in a cookie.
package backoffice

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/receipt"
)

// CookieName holds the session token.
const CookieName = "carbon_session"

// Form errors shown on the login page.
const (
	MsgCredentialsRequired = "Email and password are required"
	MsgInvalidCredentials  = "Invalid credentials"
)

//go:embed templates/*.html
var templateFS embed.FS

var funcs = template.FuncMap{
	"num": notify.FormatNumber,
	"date": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04:05")
	},
	"email": func(e *string) string {
		if e == nil || *e == "" {
			return "N/A"
		}
		return *e
	},
}

// Authenticator checks login credentials.
type Authenticator interface {
	Login(ctx context.Context, email, password string, internal bool) (*auth.LoginResult, error)
}

// TokenParser verifies session tokens.
type TokenParser interface {
	Parse(raw string) (*auth.Claims, error)
}

// Operations is the read side of the operation service.
type Operations interface {
	List(ctx context.Context) ([]*db.Operation, error)
	Get(ctx context.Context, operationID string) (*db.Operation, error)
}

// ReceiptRenderer writes an operation's PDF.
type ReceiptRenderer interface {
	Render(w io.Writer, op *db.Operation) error
}

type Config struct {
	// Secure marks the session cookie HTTPS-only.
	Secure bool

	// SessionTTL bounds the cookie lifetime; match the token TTL.
	SessionTTL time.Duration
}

type Handler struct {
	auth     Authenticator
	tokens   TokenParser
	ops      Operations
	receipts ReceiptRenderer
	cfg      Config
	logger   *zap.Logger
	pages    map[string]*template.Template
}

type pageData struct {
	Email      string
	Error      string
	FormEmail  string
	Operations []*db.Operation
	Operation  *db.Operation
}

func NewHandler(authn Authenticator, tokens TokenParser, ops Operations, receipts ReceiptRenderer, cfg Config, logger *zap.Logger) (*Handler, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}

	pages := make(map[string]*template.Template)
	for _, name := range []string{"login", "operations_list", "operation_detail"} {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		pages[name] = t
	}

	return &Handler{
		auth:     authn,
		tokens:   tokens,
		ops:      ops,
		receipts: receipts,
		cfg:      cfg,
		logger:   logger,
		pages:    pages,
	}, nil
}

// Routes mounts the console under /bo.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/bo", func(r chi.Router) {
		r.Get("/login", h.LoginPage)
		r.Post("/login", h.Login)
		r.Get("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/operations/", h.List)
			r.Get("/operations/{id}/", h.Detail)
			r.Get("/operations/{id}/pdf", h.DownloadPDF)
		})
	})
}

// LoginPage handles GET /bo/login
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.session(r); ok {
		http.Redirect(w, r, "/bo/operations/", http.StatusFound)
		return
	}
	h.render(w, http.StatusOK, "login", pageData{})
}

// Login handles POST /bo/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")

	if email == "" || password == "" {
		h.render(w, http.StatusOK, "login", pageData{Error: MsgCredentialsRequired, FormEmail: email})
		return
	}

	res, err := h.auth.Login(r.Context(), email, password, true)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("failed backoffice login attempt", zap.String("email", email))
			h.render(w, http.StatusOK, "login", pageData{Error: MsgInvalidCredentials, FormEmail: email})
			return
		}
		h.logger.Error("backoffice login failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    res.AccessToken,
		Path:     "/bo",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info("backoffice login successful", zap.String("email", email))
	http.Redirect(w, r, "/bo/operations/", http.StatusFound)
}

// Logout handles GET /bo/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w)
	http.Redirect(w, r, "/bo/login", http.StatusFound)
}

// List handles GET /bo/operations/
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ops, err := h.ops.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list operations", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.render(w, http.StatusOK, "operations_list", pageData{Email: sessionEmail(r), Operations: ops})
}

// Detail handles GET /bo/operations/{id}/
func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	op, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.render(w, http.StatusOK, "operation_detail", pageData{Email: sessionEmail(r), Operation: op})
}

// DownloadPDF handles GET /bo/operations/{id}/pdf
func (h *Handler) DownloadPDF(w http.ResponseWriter, r *http.Request) {
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
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+receipt.Filename(op)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// lookup redirects to the list when the operation does not exist.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*db.Operation, bool) {
	op, err := h.ops.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Error("failed to get operation", zap.Error(err))
		}
		http.Redirect(w, r, "/bo/operations/", http.StatusFound)
		return nil, false
	}
	return op, true
}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.session(r)
		if !ok {
			h.clearSession(w)
			http.Redirect(w, r, "/bo/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// session returns the claims of a valid internal session cookie.
func (h *Handler) session(r *http.Request) (*auth.Claims, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	claims, err := h.tokens.Parse(c.Value)
	if err != nil || !claims.IsInternal {
		return nil, false
	}
	return claims, true
}

func (h *Handler) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/bo",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionEmail(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok {
		return claims.Email()
	}
	return ""
}

func (h *Handler) render(w http.ResponseWriter, status int, page string, data pageData) {
	var buf bytes.Buffer
	if err := h.pages[page].ExecuteTemplate(&buf, "layout", data); err != nil {
		h.logger.Error("failed to render page", zap.Error(err), zap.String("page", page))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
