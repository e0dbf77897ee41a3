package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/protocol"
)

const (
	minPasswordLength    = 8
	maxPasswordBytes     = 72 // bcrypt ignores anything longer
	maxDisplayNameLength = 100
	maxAuthBodyBytes     = 1 << 16
)

type credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentials, bool) {
	var req credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)).Decode(&req); err != nil {
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid request body")
		return nil, false
	}
	req.Email = postgres.NormalizeEmail(req.Email)
	if req.Email == "" || req.Password == "" {
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "email and password required")
		return nil, false
	}
	return &req, true
}

// HandleRegister handles POST /api/v1/auth/register. The first account
// created becomes the admin.
func (a *Authenticator) HandleRegister(w http.ResponseWriter, r *http.Request) {
	log := a.logger(r)
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid email address")
		return
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength || len(req.Password) > maxPasswordBytes {
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "password must be 8 to 72 bytes")
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(req.Email, "@")
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "display name too long")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.bcryptCost)
	if err != nil {
		log.Error("hash password", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	acct, err := a.accounts.RegisterAccount(r.Context(), req.Email, displayName, string(hash))
	if errors.Is(err, postgres.ErrEmailTaken) {
		protocol.WriteError(w, http.StatusConflict, protocol.CodeConflict, "email already registered")
		return
	}
	if err != nil {
		log.Error("create account", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	log.Info("account registered", zap.String("account_id", acct.ID), zap.String("role", acct.Role))
	a.issue(w, r, http.StatusCreated, identityOf(acct))
}

// HandleLogin handles POST /api/v1/auth/login. Unknown emails, inactive
// accounts and wrong passwords all get the same 401.
func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	log := a.logger(r)
	req, ok := decodeCredentials(w, r)
	if !ok {
		metrics.RecordAuthAttempt(false)
		return
	}

	acct, err := a.accounts.AccountByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		metrics.RecordAuthAttempt(false)
		log.Error("login lookup failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	hash := a.dummyHash
	if acct != nil {
		hash = []byte(acct.PasswordHash)
	}
	pwErr := bcrypt.CompareHashAndPassword(hash, []byte(req.Password))
	if acct == nil || !acct.IsActive || pwErr != nil {
		metrics.RecordAuthAttempt(false)
		log.Warn("login failed", zap.String("email", req.Email))
		protocol.WriteError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid credentials")
		return
	}

	metrics.RecordAuthAttempt(true)
	log.Info("login successful", zap.String("account_id", acct.ID))
	a.issue(w, r, http.StatusOK, identityOf(acct))
}

func (a *Authenticator) issue(w http.ResponseWriter, r *http.Request, status int, id *Identity) {
	token, expiresAt, err := a.tokens.Sign(id.ID, id.Email)
	if err != nil {
		a.logger(r).Error("failed to sign token", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	SetTokenCookie(w, token, a.secureCookies)
	protocol.WriteJSON(w, status, protocol.AuthResponse{
		User:      id.Response(),
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleLogout handles POST /api/v1/auth/logout. Tokens are stateless, so
// this only clears the cookie.
func (a *Authenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ClearTokenCookie(w, a.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /api/v1/auth/me.
func (a *Authenticator) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		sendAuthError(w, errUnauthorized)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, id.Response())
}
