package auth

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/config"
	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/protocol"
)

// OriginValidator checks request origins against an allow-list.
type OriginValidator struct {
	allowed map[string]struct{}
}

// NewOriginValidator builds a validator. Entries that are not valid origins
// are ignored.
func NewOriginValidator(origins []string) *OriginValidator {
	v := &OriginValidator{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if norm, err := config.Origin(o); err == nil {
			v.allowed[norm] = struct{}{}
		}
	}
	return v
}

func (v *OriginValidator) allows(raw string) bool {
	norm, err := config.Origin(raw)
	if err != nil {
		return false
	}
	_, ok := v.allowed[norm]
	return ok
}

// Validate allows same-origin requests, which carry neither Origin nor
// Referer, and requests whose Origin or Referer origin is allow-listed.
func (v *OriginValidator) Validate(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	referer := r.Header.Get("Referer")
	if origin == "" && referer == "" {
		return true
	}
	if origin != "" && v.allows(origin) {
		return true
	}
	return referer != "" && v.allows(referer)
}

// CSRFMiddleware rejects state-changing requests from foreign origins with
// 403 CSRF_ERROR. Safe methods pass through.
func CSRFMiddleware(v *OriginValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if !v.Validate(r) {
				metrics.RecordCSRFRejection()
				logging.WithContext(r.Context()).Warn("cross-origin request rejected",
					zap.String("origin", r.Header.Get("Origin")),
					zap.String("referer", r.Header.Get("Referer")),
					zap.String("path", r.URL.Path))
				protocol.WriteError(w, http.StatusForbidden, protocol.CodeCSRF, "invalid request origin")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
