package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/internal/domain/model"
)

type identityKey struct{}

// AuthMiddleware resolves the bearer token into an identity and stores it
// in the request context. Requests without a valid token never reach the
// handlers.
func AuthMiddleware(verifier authn.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, model.NewError(model.KindUnauthenticated, "missing bearer token"))
				return
			}

			identity, err := verifier.Inspect(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func identityFrom(ctx context.Context) (*model.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*model.Identity)
	return id, ok
}
