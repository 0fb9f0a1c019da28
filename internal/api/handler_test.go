package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/carbon"
	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/operation"
	"github.com/lalithlochan/carbonsnap/internal/receipt"
)

var ErrDatabaseError = errors.New("database error")

// MockOperationService stores operations in memory and applies the same
// validation and scoring as the real service.
type MockOperationService struct {
	mu          sync.Mutex
	ops         []*db.Operation
	createCalls int
	shouldFail  bool
}

func (m *MockOperationService) Create(ctx context.Context, req operation.Request, channel operation.Channel) (*db.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++

	if req.Type == "" || req.Amount == nil {
		return nil, &operation.ValidationError{Message: operation.MsgMissingFields}
	}
	if *req.Amount <= 0 {
		return nil, &operation.ValidationError{Message: operation.MsgInvalidAmount}
	}
	if channel == operation.ChannelPublic && (req.UserEmail == nil || *req.UserEmail == "") {
		return nil, &operation.ValidationError{Message: operation.MsgEmailRequired}
	}
	if m.shouldFail {
		return nil, &operation.PersistenceError{Err: ErrDatabaseError}
	}

	op := &db.Operation{
		ID:          int64(len(m.ops) + 1),
		OperationID: fmt.Sprintf("op-%d", len(m.ops)+1),
		Type:        req.Type,
		Amount:      *req.Amount,
		CarbonScore: carbon.LocalScore(req.Type, *req.Amount),
		UserEmail:   req.UserEmail,
		CreatedAt:   time.Date(2024, 3, 1, 8, 0, len(m.ops), 0, time.UTC),
	}
	m.ops = append(m.ops, op)
	return op, nil
}

func (m *MockOperationService) List(ctx context.Context) ([]*db.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	out := make([]*db.Operation, 0, len(m.ops))
	for i := len(m.ops) - 1; i >= 0; i-- {
		out = append(out, m.ops[i])
	}
	return out, nil
}

func (m *MockOperationService) Get(ctx context.Context, id string) (*db.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.OperationID == id {
			return op, nil
		}
	}
	return nil, db.ErrNotFound
}

// MockAuthenticator accepts fixed credentials per class.
type MockAuthenticator struct {
	tokens *auth.TokenManager
}

func (m *MockAuthenticator) Login(ctx context.Context, email, password string, internal bool) (*auth.LoginResult, error) {
	valid := (internal && email == "admin@carbonconsole.com" && password == "admin123") ||
		(!internal && email == "user1@example.com" && password == "user123")
	if !valid {
		return nil, auth.ErrInvalidCredentials
	}
	token, exp, err := m.tokens.Issue(email, internal)
	if err != nil {
		return nil, err
	}
	return &auth.LoginResult{
		AccessToken: token,
		ExpiresAt:   exp,
		User:        &db.User{ID: 1, Email: email, IsInternal: internal},
	}, nil
}

type testServer struct {
	router   http.Handler
	ops      *MockOperationService
	tokens   *auth.TokenManager
	internal string
	public   string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	ops := &MockOperationService{}
	h := NewHandler(zap.NewNop(), ops, &MockAuthenticator{tokens: tokens}, tokens, receipt.NewRenderer(), opts)

	r := chi.NewRouter()
	h.Routes(r)

	internal, _, err := tokens.Issue("admin@carbonconsole.com", true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	public, _, err := tokens.Issue("user1@example.com", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	return &testServer{router: r, ops: ops, tokens: tokens, internal: internal, public: public}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		body           interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "internal login",
			path:           "/api/auth/login/",
			body:           LoginRequest{Email: "admin@carbonconsole.com", Password: "admin123"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "public login",
			path:           "/public/auth/login/",
			body:           LoginRequest{Email: "user1@example.com", Password: "user123"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing password",
			path:           "/api/auth/login/",
			body:           map[string]string{"email": "admin@carbonconsole.com"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  MsgMissingCredentials,
		},
		{
			name:           "malformed json",
			path:           "/api/auth/login/",
			body:           `{"email":`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  MsgMissingCredentials,
		},
		{
			name:           "wrong password",
			path:           "/api/auth/login/",
			body:           LoginRequest{Email: "admin@carbonconsole.com", Password: "nope"},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  MsgInvalidCredentials,
		},
		{
			name:           "public user on internal login",
			path:           "/api/auth/login/",
			body:           LoginRequest{Email: "user1@example.com", Password: "user123"},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  MsgInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			rec := s.do(t, http.MethodPost, tt.path, "", tt.body)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedError != "" {
				if got := errorMessage(t, rec); got != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, got)
				}
				return
			}

			var resp struct {
				AccessToken string   `json:"access_token"`
				User        *db.User `json:"user"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, err := s.tokens.Parse(resp.AccessToken); err != nil {
				t.Errorf("returned token does not verify: %v", err)
			}
			if resp.User == nil || resp.User.Email == "" {
				t.Error("expected user in response")
			}
		})
	}
}

func TestCreateOperation(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		token          string
		body           interface{}
		expectedStatus int
		expectedError  string
		expectedScore  float64
	}{
		{
			name:           "internal create",
			path:           "/api/operations/",
			token:          "internal",
			body:           map[string]interface{}{"type": "electricity", "amount": 100},
			expectedStatus: http.StatusCreated,
			expectedScore:  50,
		},
		{
			name:           "public create",
			path:           "/public/operations/",
			token:          "public",
			body:           map[string]interface{}{"type": "transportation", "amount": 50, "user_email": "user1@example.com"},
			expectedStatus: http.StatusCreated,
			expectedScore:  115,
		},
		{
			name:           "public token on internal endpoint",
			path:           "/api/operations/",
			token:          "public",
			body:           map[string]interface{}{"type": "electricity", "amount": 100},
			expectedStatus: http.StatusForbidden,
			expectedError:  MsgInternalOnly,
		},
		{
			name:           "internal token on public endpoint",
			path:           "/public/operations/",
			token:          "internal",
			body:           map[string]interface{}{"type": "electricity", "amount": 100, "user_email": "a@b.c"},
			expectedStatus: http.StatusForbidden,
			expectedError:  MsgPublicOnly,
		},
		{
			name:           "missing token",
			path:           "/api/operations/",
			body:           map[string]interface{}{"type": "electricity", "amount": 100},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  MsgMissingToken,
		},
		{
			name:           "invalid token",
			path:           "/api/operations/",
			token:          "garbage",
			body:           map[string]interface{}{"type": "electricity", "amount": 100},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  MsgMissingToken,
		},
		{
			name:           "missing amount",
			path:           "/api/operations/",
			token:          "internal",
			body:           map[string]interface{}{"type": "electricity"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  operation.MsgMissingFields,
		},
		{
			name:           "negative amount",
			path:           "/api/operations/",
			token:          "internal",
			body:           map[string]interface{}{"type": "electricity", "amount": -1},
			expectedStatus: http.StatusBadRequest,
			expectedError:  operation.MsgInvalidAmount,
		},
		{
			name:           "public without email",
			path:           "/public/operations/",
			token:          "public",
			body:           map[string]interface{}{"type": "heating", "amount": 75},
			expectedStatus: http.StatusBadRequest,
			expectedError:  operation.MsgEmailRequired,
		},
		{
			name:           "malformed json",
			path:           "/api/operations/",
			token:          "internal",
			body:           `{"type":`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  operation.MsgMissingFields,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})

			token := tt.token
			switch token {
			case "internal":
				token = s.internal
			case "public":
				token = s.public
			}

			rec := s.do(t, http.MethodPost, tt.path, token, tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedError != "" {
				if got := errorMessage(t, rec); got != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, got)
				}
				return
			}

			var op db.Operation
			if err := json.NewDecoder(rec.Body).Decode(&op); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if op.OperationID == "" || op.CarbonScore != tt.expectedScore {
				t.Errorf("unexpected operation %+v", op)
			}
		})
	}
}

func TestCreateOperation_NullEmail(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodPost, "/api/operations/", s.internal, map[string]interface{}{"type": "unknown_type", "amount": 100})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := raw["user_email"]; !ok || v != nil {
		t.Errorf("expected user_email: null, got %v", raw["user_email"])
	}
	if raw["carbon_score"] != 100.0 {
		t.Errorf("expected carbon_score 100, got %v", raw["carbon_score"])
	}
	if _, ok := raw["id"]; ok {
		t.Error("numeric id must not be serialized")
	}
}

func TestCreateOperation_PersistenceFailure(t *testing.T) {
	s := newTestServer(t, Options{})
	s.ops.shouldFail = true

	rec := s.do(t, http.MethodPost, "/api/operations/", s.internal, map[string]interface{}{"type": "heating", "amount": 1})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != MsgCreateFailed {
		t.Errorf("unexpected error %q", got)
	}
}

func TestListOperations(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodGet, "/api/operations/", s.internal, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}

	for _, typ := range []string{"electricity", "transportation", "heating"} {
		s.do(t, http.MethodPost, "/api/operations/", s.internal, map[string]interface{}{"type": typ, "amount": 10})
	}

	rec = s.do(t, http.MethodGet, "/api/operations/", s.internal, nil)
	var ops []db.Operation
	if err := json.NewDecoder(rec.Body).Decode(&ops); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ops) != 3 || ops[0].Type != "heating" || ops[1].Type != "transportation" || ops[2].Type != "electricity" {
		t.Errorf("unexpected order: %+v", ops)
	}

	rec = s.do(t, http.MethodGet, "/api/operations/", s.public, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for public token, got %d", rec.Code)
	}
}

func TestListOperations_Error(t *testing.T) {
	s := newTestServer(t, Options{})
	s.ops.shouldFail = true

	rec := s.do(t, http.MethodGet, "/api/operations/", s.internal, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestGetOperation(t *testing.T) {
	s := newTestServer(t, Options{})
	s.do(t, http.MethodPost, "/api/operations/", s.internal, map[string]interface{}{"type": "heating", "amount": 75})

	rec := s.do(t, http.MethodGet, "/api/operations/op-1/", s.internal, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var op db.Operation
	if err := json.NewDecoder(rec.Body).Decode(&op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.CarbonScore != 135 {
		t.Errorf("expected 135, got %v", op.CarbonScore)
	}

	rec = s.do(t, http.MethodGet, "/api/operations/missing/", s.internal, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != operation.MsgNotFound {
		t.Errorf("unexpected error %q", got)
	}
}

func TestDownloadReceipt(t *testing.T) {
	s := newTestServer(t, Options{})
	s.do(t, http.MethodPost, "/public/operations/", s.public,
		map[string]interface{}{"type": "manufacturing", "amount": 25, "user_email": "user1@example.com"})

	for _, token := range []string{s.internal, s.public} {
		rec := s.do(t, http.MethodGet, "/operations/op-1/receipt/", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("unexpected content type %q", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="receipt_op-1.pdf"` {
			t.Errorf("unexpected disposition %q", cd)
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
			t.Error("body is not a PDF")
		}
	}

	rec := s.do(t, http.MethodGet, "/operations/missing/receipt/", s.internal, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/operations/op-1/receipt/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}
