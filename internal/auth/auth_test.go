package auth

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

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// memAccounts is an in-memory AccountStore.
type memAccounts struct {
	mu     sync.Mutex
	byID   map[string]*postgres.Account
	nextID int
	err    error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: make(map[string]*postgres.Account)}
}

func (m *memAccounts) AccountByID(_ context.Context, id string) (*postgres.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.byID[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) AccountByEmail(_ context.Context, email string) (*postgres.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, a := range m.byID {
		if a.Email == postgres.NormalizeEmail(email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (m *memAccounts) RegisterAccount(_ context.Context, email, displayName, hash string) (*postgres.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role := postgres.RoleUser
	if len(m.byID) == 0 {
		role = postgres.RoleAdmin
	}
	return m.insert(email, displayName, hash, role)
}

// insert requires m.mu.
func (m *memAccounts) insert(email, displayName, hash, role string) (*postgres.Account, error) {
	for _, a := range m.byID {
		if a.Email == email {
			return nil, postgres.ErrEmailTaken
		}
	}
	m.nextID++
	a := &postgres.Account{
		ID:           fmt.Sprintf("00000000-0000-4000-8000-%012d", m.nextID),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	m.byID[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *memAccounts) add(t *testing.T, email, password, role string) *postgres.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	a, err := m.insert(email, strings.Split(email, "@")[0], string(hash), role)
	m.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (m *memAccounts) update(id string, fn func(*postgres.Account)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.byID[id])
}

func newTestAuth(t *testing.T) (*Authenticator, *memAccounts) {
	t.Helper()
	tokens, err := NewTokens(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	store := newMemAccounts()
	a, err := New(tokens, store, WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	return a, store
}

func bearer(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestNewTokensRejectsWeakSecret(t *testing.T) {
	if _, err := NewTokens("short"); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("err = %v, want ErrWeakSecret", err)
	}
	if _, err := NewTokens(testSecret); err != nil {
		t.Errorf("32 byte secret rejected: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	tokens, _ := NewTokens(testSecret, WithTokenClock(func() time.Time { return clock }))

	tok, expiresAt, err := tokens.Sign("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !expiresAt.Equal(now.Add(TokenTTL)) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(TokenTTL))
	}

	claims := tokens.Verify(tok)
	if claims == nil {
		t.Fatal("Verify returned nil for fresh token")
	}
	if claims.Subject != "user-1" || claims.Email != "alice@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.IssuedAt.Time.Equal(now) {
		t.Errorf("iat = %v, want %v", claims.IssuedAt.Time, now)
	}

	clock = now.Add(TokenTTL - time.Minute)
	if tokens.Verify(tok) == nil {
		t.Error("token rejected before expiry")
	}
	clock = now.Add(TokenTTL + time.Second)
	if tokens.Verify(tok) != nil {
		t.Error("expired token accepted")
	}
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	tokens, _ := NewTokens(testSecret)
	claims := Claims{
		Email: "mallory@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	wrongSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatal(err)
	}
	noExpiry := claims
	noExpiry.ExpiresAt = nil
	unbounded, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, noExpiry).SignedString([]byte(testSecret))
	foreign := claims
	foreign.Issuer = "someone-else"
	foreignIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, foreign).SignedString([]byte(testSecret))

	tests := map[string]string{
		"hs512 algorithm": hs512,
		"none algorithm":  none,
		"wrong secret":    wrongSecret,
		"no expiry":       unbounded,
		"foreign issuer":  foreignIssuer,
		"malformed":       "not.a.token",
		"garbage":         "%%%",
		"empty":           "",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if c := tokens.Verify(tok); c != nil {
				t.Errorf("Verify accepted %s token: %+v", name, c)
			}
		})
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("no credentials: got %q", got)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := ExtractToken(r); got != "header-token" {
		t.Errorf("bearer: got %q", got)
	}

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	if got := ExtractToken(r); got != "cookie-token" {
		t.Errorf("cookie should win: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := ExtractToken(r); got != "" {
		t.Errorf("basic auth: got %q", got)
	}
}

func TestAuthenticate(t *testing.T) {
	a, store := newTestAuth(t)
	acct := store.add(t, "alice@example.com", "password1", postgres.RoleUser)
	tok, _, _ := a.Tokens().Sign(acct.ID, acct.Email)

	res := a.Authenticate(bearer(tok))
	if !res.OK() || res.User.ID != acct.ID || res.User.Email != "alice@example.com" {
		t.Fatalf("Authenticate = %+v", res)
	}

	if res := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); res.OK() || res.Status != http.StatusUnauthorized || res.Code != protocol.CodeUnauthorized {
		t.Errorf("no token: %+v", res)
	}

	ghost, _, _ := a.Tokens().Sign("00000000-0000-4000-8000-999999999999", "ghost@example.com")
	if id := a.ResolveIdentity(bearer(ghost)); id != nil {
		t.Errorf("deleted account resolved: %+v", id)
	}

	store.update(acct.ID, func(a *postgres.Account) { a.IsActive = false })
	if id := a.ResolveIdentity(bearer(tok)); id != nil {
		t.Errorf("inactive account resolved: %+v", id)
	}
}

func TestRequireAuthErrors(t *testing.T) {
	a, store := newTestAuth(t)

	_, err := a.RequireAuth(httptest.NewRequest(http.MethodGet, "/", nil))
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 AuthError", err)
	}

	acct := store.add(t, "bob@example.com", "password1", postgres.RoleUser)
	tok, _, _ := a.Tokens().Sign(acct.ID, acct.Email)
	store.err = errors.New("database down")
	_, err = a.RequireAuth(bearer(tok))
	if err == nil || errors.As(err, &authErr) {
		t.Errorf("lookup failure should not be an AuthError: %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	a, store := newTestAuth(t)
	admin := store.add(t, "root@example.com", "password1", postgres.RoleAdmin)
	user := store.add(t, "user@example.com", "password1", postgres.RoleUser)

	adminTok, _, _ := a.Tokens().Sign(admin.ID, admin.Email)
	userTok, _, _ := a.Tokens().Sign(user.ID, user.Email)

	if id, err := a.RequireAdmin(bearer(adminTok)); err != nil || !id.IsAdmin() {
		t.Errorf("admin rejected: %v", err)
	}

	_, err := a.RequireAdmin(bearer(userTok))
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Status != http.StatusForbidden || authErr.Code != protocol.CodeForbidden {
		t.Errorf("user: err = %v, want 403", err)
	}

	// Demotion takes effect immediately.
	store.update(admin.ID, func(a *postgres.Account) { a.Role = postgres.RoleUser })
	if _, err := a.RequireAdmin(bearer(adminTok)); !errors.As(err, &authErr) || authErr.Status != http.StatusForbidden {
		t.Errorf("demoted admin: err = %v, want 403", err)
	}

	if _, err := a.RequireAdmin(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.As(err, &authErr) || authErr.Status != http.StatusUnauthorized {
		t.Errorf("anonymous: err = %v, want 401", err)
	}
}

type ownedFile struct{ owner string }

func (f *ownedFile) Owner() string { return f.owner }

func TestVerifyOwnership(t *testing.T) {
	var nilFile *ownedFile
	tests := []struct {
		name     string
		subject  string
		resource Owned
		want     bool
	}{
		{"owner", "user-a", &ownedFile{owner: "user-a"}, true},
		{"other owner", "user-a", &ownedFile{owner: "user-b"}, false},
		{"nil resource", "user-a", nil, false},
		{"typed nil resource", "user-a", nilFile, false},
		{"empty subject", "", &ownedFile{owner: ""}, false},
		{"file row", "user-a", &postgres.FileRow{OwnerID: "user-a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyOwnership(tt.subject, tt.resource); got != tt.want {
				t.Errorf("VerifyOwnership = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a, store := newTestAuth(t)
	acct := store.add(t, "alice@example.com", "password1", postgres.RoleUser)
	tok, _, _ := a.Tokens().Sign(acct.ID, acct.Email)

	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			t.Error("identity missing from context")
			return
		}
		w.Write([]byte(id.ID))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", w.Code)
	}
	var resp protocol.ErrorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Code != protocol.CodeUnauthorized {
		t.Errorf("code = %q", resp.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != acct.ID {
		t.Errorf("cookie auth: %d %q", w.Code, w.Body.String())
	}
}

func postJSON(h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestHandleRegister(t *testing.T) {
	a, _ := newTestAuth(t)

	w := postJSON(a.HandleRegister, map[string]string{"email": "First@Example.com", "password": "password1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp protocol.AuthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.User.Email != "first@example.com" || resp.User.Role != postgres.RoleAdmin || resp.User.DisplayName != "first" {
		t.Errorf("first account = %+v", resp.User)
	}
	if a.Tokens().Verify(resp.Token) == nil {
		t.Error("issued token does not verify")
	}

	w = postJSON(a.HandleRegister, map[string]string{"email": "second@example.com", "password": "password2", "displayName": "Second"})
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.User.Role != postgres.RoleUser {
		t.Errorf("second account role = %q, want user", resp.User.Role)
	}

	w = postJSON(a.HandleRegister, map[string]string{"email": "second@example.com", "password": "password3"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}

	for name, body := range map[string]map[string]string{
		"bad email":      {"email": "not-an-email", "password": "password1"},
		"short password": {"email": "x@example.com", "password": "short"},
		"long password":  {"email": "x@example.com", "password": strings.Repeat("p", 73)},
		"missing fields": {"email": ""},
	} {
		if w := postJSON(a.HandleRegister, body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
}

func TestHandleRegisterConcurrentFirstAccounts(t *testing.T) {
	a, _ := newTestAuth(t)

	const n = 8
	roles := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := postJSON(a.HandleRegister, map[string]string{
				"email":    fmt.Sprintf("user%d@example.com", i),
				"password": "password1",
			})
			if w.Code != http.StatusCreated {
				t.Errorf("register %d: status = %d", i, w.Code)
				return
			}
			var resp protocol.AuthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
			roles <- resp.User.Role
		}(i)
	}
	wg.Wait()
	close(roles)

	admins := 0
	for role := range roles {
		if role == postgres.RoleAdmin {
			admins++
		}
	}
	if admins != 1 {
		t.Errorf("%d admins after concurrent registration, want 1", admins)
	}
}

func TestHandleLogin(t *testing.T) {
	a, store := newTestAuth(t)
	store.add(t, "alice@example.com", "correct-horse", postgres.RoleUser)

	w := postJSON(a.HandleLogin, map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("token cookie not set")
	}
	if cookie.Path != "/" || cookie.MaxAge != 604800 || !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.Secure {
		t.Errorf("cookie attributes = %+v", cookie)
	}

	wrong := postJSON(a.HandleLogin, map[string]string{"email": "alice@example.com", "password": "wrong-password"})
	unknown := postJSON(a.HandleLogin, map[string]string{"email": "nobody@example.com", "password": "wrong-password"})
	if wrong.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401", wrong.Code, unknown.Code)
	}
	if wrong.Body.String() != unknown.Body.String() {
		t.Errorf("failure bodies differ: %q vs %q", wrong.Body.String(), unknown.Body.String())
	}
}

func TestSecureCookieInProduction(t *testing.T) {
	tokens, _ := NewTokens(testSecret)
	store := newMemAccounts()
	a, err := New(tokens, store, WithBcryptCost(bcrypt.MinCost), WithSecureCookies(true))
	if err != nil {
		t.Fatal(err)
	}
	store.add(t, "alice@example.com", "correct-horse", postgres.RoleUser)

	w := postJSON(a.HandleLogin, map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure {
		t.Errorf("cookies = %+v, want one Secure cookie", cookies)
	}
}

func TestHandleLogoutClearsCookie(t *testing.T) {
	a, _ := newTestAuth(t)
	w := httptest.NewRecorder()
	a.HandleLogout(w, httptest.NewRequest(http.MethodPost, "/", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 || cookies[0].Value != "" {
		t.Errorf("cookies = %+v", cookies)
	}
}
