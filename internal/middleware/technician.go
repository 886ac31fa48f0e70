// Package middleware provides HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"unicode"
)

// ContextKey is the type for context keys in this package.
type ContextKey string

// TechnicianKey is the context key for the acting technician's name.
const TechnicianKey ContextKey = "technician"

// TechnicianHeader names the acting technician on API calls.
const TechnicianHeader = "X-Technician"

const maxTechnicianLength = 100

// TechnicianFromContext retrieves the acting technician from the request
// context. Returns empty string if not set.
func TechnicianFromContext(ctx context.Context) string {
	if v := ctx.Value(TechnicianKey); v != nil {
		if name, ok := v.(string); ok {
			return name
		}
	}
	return ""
}

// WithTechnician returns a copy of ctx carrying name.
func WithTechnician(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, TechnicianKey, name)
}

// OptionalTechnician extracts the acting technician from the X-Technician
// header when present. Requests without one proceed anonymously.
func OptionalTechnician(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name := cleanTechnician(r.Header.Get(TechnicianHeader)); name != "" {
			r = r.WithContext(WithTechnician(r.Context(), name))
		}
		next.ServeHTTP(w, r)
	})
}

func cleanTechnician(raw string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	name = strings.TrimSpace(name)
	if len(name) > maxTechnicianLength {
		name = strings.TrimSpace(name[:maxTechnicianLength])
	}
	return name
}
