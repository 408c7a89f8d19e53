package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"gatekeeper/internal/config"
	"gatekeeper/pkg/errors"
)

// Authenticator validates bearer tokens on the administrative endpoints.
// Tokens are HS256 JWTs signed with the shared admin secret.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns nil when admin auth is disabled, which the
// handler treats as an open administrative surface.
func NewAuthenticator(cfg config.Admin) *Authenticator {
	if !cfg.Enabled {
		return nil
	}
	return &Authenticator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
	}
}

// Authenticate checks the request's Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return errors.NewError(errors.ErrorTypeUnauthorized, "missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errors.NewError(errors.ErrorTypeUnauthorized, "authorization header is not a bearer token")
	}

	token, err := jwt.Parse(raw, a.keyFunc, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return errors.NewError(errors.ErrorTypeUnauthorized, "invalid token").WithCause(err)
	}
	if !token.Valid {
		return errors.NewError(errors.ErrorTypeUnauthorized, "token validation failed")
	}

	if a.issuer != "" {
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return errors.NewError(errors.ErrorTypeUnauthorized, "invalid token claims")
		}
		issuer, _ := claims["iss"].(string)
		if issuer != a.issuer {
			return errors.NewError(errors.ErrorTypeUnauthorized, "invalid token issuer").
				WithDetail("expected", a.issuer)
		}
	}
	return nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	return a.secret, nil
}
