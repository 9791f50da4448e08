package tenant

import (
	"net/http"
)

// HeaderMiddleware resolves the tenant from the configured request
// header and stores it in the request context. The upstream gateway is
// responsible for authenticating the header value; requests without it
// are rejected.
func HeaderMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				http.Error(w, `{"error":"missing tenant header"}`, http.StatusBadRequest)
				return
			}
			ctx := NewContext(r.Context(), &Info{ID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
