/*
Package access provides bearer-token identity verification.

The backend never talks to the identity provider itself; it only needs a
stable subject identifier for the authenticated principal. Verification of
the ID token happens in a router middleware which stores the subject in the
request context with

	ctx = access.ContextWithSubject(ctx, subject)

and handlers retrieve it with

	subject := access.SubjectFromContext(ctx)

An empty subject means the request carried no valid credential.
*/
package access

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeySubject contextKey = "_subject_"

// ContextWithSubject returns a new context with the authenticated subject
// added to it.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKeySubject, subject)
}

// SubjectFromContext retrieves the authenticated subject from the context.
// It returns the empty string when the request was not authenticated.
func SubjectFromContext(ctx context.Context) string {
	subject, ok := ctx.Value(contextKeySubject).(string)
	if ok {
		return subject
	}
	return ""
}

// Verifier validates a bearer credential and returns the stable subject
// identifier the identity provider issued for the principal.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// bearerToken extracts the token from the Authorization header. A bare
// token without the scheme is accepted as well.
func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) == 0 || bearer == "null" {
		return ""
	}
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return bearer
}

// NewVerificationMiddleware returns a middleware handler that validates the
// bearer token of a request with the given verifier.
//
// A request without any token passes through unauthenticated; routes that
// require authentication answer it with http.StatusUnauthorized themselves.
// A request with an invalid token is rejected right here. On success the
// subject is stored in the request context and the context logger is tagged
// with it.
func NewVerificationMiddleware(verifier Verifier) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SubjectFromContext(r.Context()) != "" { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}
			subject, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Debugln("token verification failed")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := ContextWithSubject(r.Context(), subject)
			ctx, _ = logger.ContextWithLoggerSubject(ctx, subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
