package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("missing bearer token")

// Verifier turns a bearer token into the authenticated user id.
type Verifier interface {
	Verify(token string) (int64, error)
}

type userClaims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"user_id,omitempty"`
}

// userID prefers the numeric user_id claim and falls back to sub.
func (c *userClaims) userID() (int64, error) {
	if c.UserID > 0 {
		return c.UserID, nil
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("token subject %q is not a user id", c.Subject)
	}
	return id, nil
}

func parse(token string, kf jwt.Keyfunc, issuer string, methods []string) (int64, error) {
	claims := &userClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods(methods)}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	t, err := jwt.ParseWithClaims(token, claims, kf, opts...)
	if err != nil {
		return 0, fmt.Errorf("token validation failed: %w", err)
	}
	if !t.Valid {
		return 0, errors.New("token is not valid")
	}
	return claims.userID()
}

// HMACVerifier validates tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *HMACVerifier) Verify(token string) (int64, error) {
	return parse(token, func(*jwt.Token) (any, error) { return v.secret, nil }, v.issuer,
		[]string{"HS256", "HS384", "HS512"})
}

// JWKSVerifier validates tokens against keys published by an identity
// provider. Keys are refreshed in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the key set, retrying while the provider starts.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSVerifier) Verify(token string) (int64, error) {
	return parse(token, v.jwks.Keyfunc, v.issuer, []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"})
}

func (v *JWKSVerifier) Close() { v.jwks.EndBackground() }

// bearerToken reads the Authorization header, or the token query parameter
// for websocket handshakes where browsers cannot set headers.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", ErrNoToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

type userKey struct{}

func withUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated user of a request context, or 0.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}
