package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/protocol"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller, resolved from the current account
// record on every request. It carries no secrets.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	Role        string
}

// IsAdmin reports whether the identity has the admin role.
func (i *Identity) IsAdmin() bool { return i.Role == postgres.RoleAdmin }

// Response converts the identity to its API form.
func (i *Identity) Response() protocol.UserResponse {
	return protocol.UserResponse{ID: i.ID, Email: i.Email, DisplayName: i.DisplayName, Role: i.Role}
}

func identityOf(a *postgres.Account) *Identity {
	return &Identity{ID: a.ID, Email: a.Email, DisplayName: a.DisplayName, Role: a.Role}
}

// AccountStore is the account lookup the authenticator reads through.
type AccountStore interface {
	AccountByID(ctx context.Context, id string) (*postgres.Account, error)
	AccountByEmail(ctx context.Context, email string) (*postgres.Account, error)
	// RegisterAccount creates an account; the store makes the first one an
	// admin atomically.
	RegisterAccount(ctx context.Context, email, displayName, passwordHash string) (*postgres.Account, error)
}

// AuthError is a rejected authentication or authorization check.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

var (
	errUnauthorized = &AuthError{Status: http.StatusUnauthorized, Code: protocol.CodeUnauthorized, Message: "authentication required"}
	errForbidden    = &AuthError{Status: http.StatusForbidden, Code: protocol.CodeForbidden, Message: "admin access required"}
)

// Result is the outcome of Authenticate. User is set on success; otherwise
// Status and Code describe the rejection and Err holds any lookup failure.
type Result struct {
	User   *Identity
	Status int
	Code   string
	Err    error
}

// OK reports whether the request was authenticated.
func (r Result) OK() bool { return r.User != nil }

// Authenticator resolves request identities and serves the auth endpoints.
type Authenticator struct {
	tokens        *Tokens
	accounts      AccountStore
	secureCookies bool
	bcryptCost    int
	dummyHash     []byte
	log           *zap.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSecureCookies marks the token cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *Authenticator) { a.secureCookies = secure }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(a *Authenticator) { a.bcryptCost = cost }
}

// WithLogger sets the authenticator's logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Authenticator) { a.log = logging.OrNop(log) }
}

// New creates an Authenticator.
func New(tokens *Tokens, accounts AccountStore, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		tokens:     tokens,
		accounts:   accounts,
		bcryptCost: bcrypt.DefaultCost,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	// Compared against on unknown emails so both login failures cost the same.
	hash, err := bcrypt.GenerateFromPassword([]byte("relaydrive-timing-equalizer"), a.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	a.dummyHash = hash
	return a, nil
}

// Tokens returns the token signer.
func (a *Authenticator) Tokens() *Tokens { return a.tokens }

// Authenticate extracts and verifies the request token and loads the
// subject's account. Missing, invalid and expired tokens, as well as
// deleted or inactive accounts, all produce the same 401 result.
func (a *Authenticator) Authenticate(r *http.Request) Result {
	claims := a.tokens.Verify(ExtractToken(r))
	if claims == nil {
		return Result{Status: errUnauthorized.Status, Code: errUnauthorized.Code}
	}

	acct, err := a.accounts.AccountByID(r.Context(), claims.Subject)
	if errors.Is(err, postgres.ErrNotFound) {
		return Result{Status: errUnauthorized.Status, Code: errUnauthorized.Code}
	}
	if err != nil {
		return Result{Status: http.StatusInternalServerError, Code: protocol.CodeInternal, Err: err}
	}
	if !acct.IsActive {
		return Result{Status: errUnauthorized.Status, Code: errUnauthorized.Code}
	}
	return Result{User: identityOf(acct), Status: http.StatusOK}
}

// ResolveIdentity returns the caller's identity or nil.
func (a *Authenticator) ResolveIdentity(r *http.Request) *Identity {
	res := a.Authenticate(r)
	if res.Err != nil {
		a.logger(r).Error("identity lookup failed", zap.Error(res.Err))
	}
	return res.User
}

// RequireAuth returns the caller's identity or an error: *AuthError with
// status 401 when unauthenticated, a wrapped lookup error otherwise.
func (a *Authenticator) RequireAuth(r *http.Request) (*Identity, error) {
	res := a.Authenticate(r)
	if res.Err != nil {
		return nil, fmt.Errorf("resolve identity: %w", res.Err)
	}
	if !res.OK() {
		return nil, errUnauthorized
	}
	return res.User, nil
}

// RequireAdmin is RequireAuth plus a fresh read of the account's role;
// non-admins get a 403 *AuthError.
func (a *Authenticator) RequireAdmin(r *http.Request) (*Identity, error) {
	id, err := a.RequireAuth(r)
	if err != nil {
		return nil, err
	}
	acct, err := a.accounts.AccountByID(r.Context(), id.ID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	if acct.Role != postgres.RoleAdmin {
		return nil, errForbidden
	}
	return identityOf(acct), nil
}

// Owned is a resource with an owning account.
type Owned interface {
	Owner() string
}

// VerifyOwnership reports whether subjectID owns resource. A nil resource
// is owned by nobody.
func VerifyOwnership(subjectID string, resource Owned) bool {
	if resource == nil || subjectID == "" {
		return false
	}
	if v := reflect.ValueOf(resource); v.Kind() == reflect.Pointer && v.IsNil() {
		return false
	}
	return resource.Owner() == subjectID
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the identity stored by Middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// Middleware rejects unauthenticated requests and stores the identity in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.RequireAuth(r)
		if err != nil {
			a.sendError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// AdminMiddleware rejects callers that are not admins.
func (a *Authenticator) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.RequireAdmin(r)
		if err != nil {
			a.sendError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *Authenticator) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		sendAuthError(w, authErr)
		return
	}
	a.logger(r).Error("authentication failed", zap.Error(err))
	protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
}

func sendAuthError(w http.ResponseWriter, err *AuthError) {
	protocol.WriteError(w, err.Status, err.Code, err.Message)
}

func (a *Authenticator) logger(r *http.Request) *zap.Logger {
	if id := logging.GetRequestID(r.Context()); id != "" {
		return a.log.With(zap.String("request_id", id))
	}
	return a.log
}
