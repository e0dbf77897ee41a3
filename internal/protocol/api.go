// Package protocol defines the API request/response types shared by handlers.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"
)

// Machine-readable error codes carried in ErrorResponse.Code.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeCSRF              = "CSRF_ERROR"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeInvalidFile       = "INVALID_FILE"
	CodeRelay             = "RELAY_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeBadRequest        = "BAD_REQUEST"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse is returned on API errors. Clients branch on Code, never on
// the human-readable Error text.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// AuthResponse is returned by login and registration.
type AuthResponse struct {
	User      UserResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// FileResponse describes a stored file.
type FileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileListResponse is returned by GET /api/v1/files.
type FileListResponse struct {
	Files []FileResponse `json:"files"`
}

// StatsResponse is returned by GET /api/v1/admin/stats.
type StatsResponse struct {
	Users      int64 `json:"users"`
	Files      int64 `json:"files"`
	TotalBytes int64 `json:"totalBytes"`
}

// RelayStatusResponse is returned by GET /api/v1/admin/relay.
type RelayStatusResponse struct {
	Credentials bool `json:"credentials"`
	Destination bool `json:"destination"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}
