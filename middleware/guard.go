package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goStepAuth "github.com/MrEthical07/goStepAuth"
)

// Mode selects what a guard checks.
type Mode uint8

const (
	// ModeSession validates the opaque session token against the store.
	ModeSession Mode = iota
	// ModeAssertion verifies the signed assertion without a store call.
	ModeAssertion
)

// Principal is what a guard injects into the request context.
type Principal struct {
	TokenID   string
	Identity  goStepAuth.Identity
	AccountID string
}

type principalContextKey struct{}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

func Guard(engine *goStepAuth.Engine, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var p *Principal
			switch mode {
			case ModeAssertion:
				claims, err := engine.VerifyAssertion(token)
				if err != nil {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				p = &Principal{TokenID: claims.TokenID, Identity: claims.Identity, AccountID: claims.AccountID}
			default:
				info, err := engine.ValidateSession(r.Context(), token)
				if err != nil {
					status := http.StatusUnauthorized
					if !errors.Is(err, goStepAuth.ErrSessionExpired) {
						status = http.StatusServiceUnavailable
					}
					http.Error(w, http.StatusText(status), status)
					return
				}
				p = &Principal{TokenID: info.TokenID, Identity: info.Identity, AccountID: info.AccountID}
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
