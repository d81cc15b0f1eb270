package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/model"
)

const clockSkew = 30 * time.Second

var errNoVerificationKey = errors.New("no verification key configured")

// JWTAuthenticator returns middleware that verifies the bearer token and
// stores its claims in the request context. Keys come from jwks when it is
// non-nil, otherwise from cfg.HMACSecret.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(parserOptions(cfg, jwks)...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc(r.Context(), cfg, jwks))
			if err != nil || !token.Valid {
				WriteError(w, model.NewUnauthorizedError(describeTokenError(err)))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return raw, nil
}

// parserOptions restricts accepted algorithms to the key source in use. A
// shared secret only ever verifies HMAC algorithms.
func parserOptions(cfg config.IdentityConfig, jwks *JWKSClient) []jwt.ParserOption {
	methods := cfg.Algorithms
	if jwks == nil {
		methods = nil
		for _, alg := range cfg.Algorithms {
			if strings.HasPrefix(alg, "HS") {
				methods = append(methods, alg)
			}
		}
		if len(methods) == 0 {
			methods = []string{jwt.SigningMethodHS256.Alg()}
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

func keyFunc(ctx context.Context, cfg config.IdentityConfig, jwks *JWKSClient) jwt.Keyfunc {
	if jwks != nil {
		return func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return jwks.Key(ctx, kid)
		}
	}
	secret := []byte(cfg.HMACSecret)
	return func(*jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errNoVerificationKey
		}
		return secret, nil
	}
}

// describeTokenError turns a parse failure into a client-safe message.
func describeTokenError(err error) string {
	switch {
	case err == nil:
		return "Invalid token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
