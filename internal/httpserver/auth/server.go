// Package auth exposes the token service over HTTP/JSON.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	authservice "tokend/internal/services/auth"

	"tokend/internal/domain/models"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/sl"

	"github.com/gorilla/mux"
)

type Auth interface {
	Register(
		ctx context.Context,
		email string,
		password string,
	) (accountID int64, err error)
	Login(
		ctx context.Context,
		email string,
		password string,
	) (pair *models.TokenPair, err error)
	Validate(
		ctx context.Context,
		accessToken string,
	) (claims *jwt.Claims, err error)
	Refresh(
		ctx context.Context,
		accessToken string,
		refreshToken string,
	) (pair *models.TokenPair, err error)
	Logout(
		ctx context.Context,
		refreshToken string,
	) error
	SetRole(
		ctx context.Context,
		accountID int64,
		role string,
	) error
	Deactivate(
		ctx context.Context,
		accountID int64,
	) error
}

type serverAPI struct {
	auth   Auth
	logger *slog.Logger
}

// NewRouter builds the API router with all routes registered.
func NewRouter(logger *slog.Logger, auth Auth) *mux.Router {
	s := &serverAPI{auth: auth, logger: logger}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/validate", s.handleValidate).Methods(http.MethodGet)

	admin := api.PathPrefix("/accounts").Subrouter()
	admin.Use(s.authenticate, requireRole(models.RoleAdmin))
	admin.HandleFunc("/{id:[0-9]+}/role", s.handleSetRole).Methods(http.MethodPut)
	admin.HandleFunc("/{id:[0-9]+}", s.handleDeactivate).Methods(http.MethodDelete)

	return r
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	AccountID int64 `json:"account_id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type tokenPairResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type claimsResponse struct {
	AccountID int64     `json:"account_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *serverAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "password is required")
		return
	}

	accountID, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{AccountID: accountID})
}

func (s *serverAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "password is required")
		return
	}

	pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *serverAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "refresh_token is required")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *serverAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "refresh_token is required")
		return
	}

	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *serverAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
		return
	}

	claims, err := s.auth.Validate(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claimsResponse{
		AccountID: claims.UID,
		Email:     claims.Email,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

func (s *serverAPI) handleSetRole(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathAccountID(w, r)
	if !ok {
		return
	}

	var req setRoleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "role is required")
		return
	}

	if err := s.auth.SetRole(r.Context(), accountID, req.Role); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *serverAPI) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathAccountID(w, r)
	if !ok {
		return
	}

	if err := s.auth.Deactivate(r.Context(), accountID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type contextKey string

const claimsKey contextKey = "claims"

// authenticate requires a valid bearer access token and stores its claims in
// the request context.
func (s *serverAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}

		claims, err := s.auth.Validate(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(claimsKey).(*jwt.Claims)
			if !ok || claims.Role != role {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}

func pathAccountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid account id")
		return 0, false
	}
	return id, true
}

func (s *serverAPI) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps service errors to HTTP status codes. Credential and
// token failures are all 401 rejections; nothing is retried server-side.
func (s *serverAPI) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authservice.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	case errors.Is(err, authservice.ErrRefreshTokenInvalid):
		writeError(w, http.StatusUnauthorized, "REFRESH_TOKEN_INVALID", "invalid refresh token")
	case errors.Is(err, jwt.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		writeError(w, http.StatusUnauthorized, "TOKEN_MALFORMED", "token malformed")
	case errors.Is(err, jwt.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, "SIGNATURE_INVALID", "token signature invalid")
	case errors.Is(err, authservice.ErrAccountAlreadyExists):
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "account already exists")
	case errors.Is(err, authservice.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "account not found")
	default:
		s.logger.Error("internal error", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func pairResponse(pair *models.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}
}

// APIError is the JSON error envelope returned by every failing endpoint.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
