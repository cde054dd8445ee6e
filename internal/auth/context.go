package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// Role is the caller's coarse permission level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal identifies the caller a request runs on behalf of.
type Principal struct {
	UserID int64
	Role   Role
}

// IsAdmin reports whether the principal may see and modify admin users.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Anonymous is the principal of requests that carry no identity.
var Anonymous = Principal{Role: RoleUser}

// ContextWithPrincipal returns a new context that carries the caller.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the caller from the context, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Anonymous, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Anonymous, false
	}
	return p, true
}

// Middleware reads the caller from the X-User-ID and X-User-Role headers
// set by the upstream gateway. Requests without them run as Anonymous;
// malformed headers are rejected.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Anonymous
		if raw := r.Header.Get("X-User-ID"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid X-User-ID header", http.StatusUnauthorized)
				return
			}
			p.UserID = id
		}
		switch role := Role(strings.ToLower(r.Header.Get("X-User-Role"))); role {
		case "":
		case RoleUser, RoleAdmin:
			p.Role = role
		default:
			http.Error(w, "invalid X-User-Role header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}
