package access

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewBackdoorMiddleware returns a middleware handler for a backdoor.
//
// The backdoors map maps bearer tokens to subjects. Example: if you specify
// the backdoor
//
//	"please": "108365467826931247510"
//
// then any request with an authorization bearer token consisting of the
// single magic word "please" will be authenticated as that subject.
//
// With curl, use -H 'Authorization: Bearer please'. Intended for local
// development and tests only; never mount it in production services.
func NewBackdoorMiddleware(backdoors map[string]string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SubjectFromContext(r.Context()) != "" { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) > 0 {
				if subject, ok := backdoors[tokenString]; ok {
					ctx := ContextWithSubject(r.Context(), subject)
					r = r.WithContext(ctx)
				}
			}
			h.ServeHTTP(w, r)
		})
	}
}
