// Package tokens implements the token authority: issuance of access and
// refresh JWT pairs, refresh of access tokens, revocation bookkeeping and
// the authentication middleware guarding protected endpoints.
//
// Tokens are self-contained HS256 JWTs carrying the username as subject,
// a unique jti and a kind claim. The only server-side state is the
// revocation set; it is consulted on every authenticated call because a
// signed token stays valid until its natural expiry otherwise.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akarpenko/pairlabel/internal/logger"
	"github.com/akarpenko/pairlabel/internal/models"
)

// Token kinds. An access token cannot be used where a refresh token is
// required and vice versa.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims represents the JWT claims used by the system.
type Claims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
}

// ContextKey is a custom type for storing values in context to avoid collisions.
type ContextKey string

// ClaimsKey is the context key under which the authentication middleware
// stores the validated token claims.
const ClaimsKey ContextKey = "tokenClaims"

type revocationKeeper interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Authority issues and validates tokens and tracks revoked identifiers.
type Authority struct {
	db               revocationKeeper
	signingSecretKey []byte
	accessTokenTTL   time.Duration
	refreshTokenTTL  time.Duration
}

// New creates a token authority with the given revocation storage,
// signing key and token lifetimes.
func New(
	db revocationKeeper,
	signingSecretKey []byte,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) *Authority {
	return &Authority{
		db:               db,
		signingSecretKey: signingSecretKey,
		accessTokenTTL:   accessTokenTTL,
		refreshTokenTTL:  refreshTokenTTL,
	}
}

// IssuePair mints an access and a refresh token for the given username.
func (a *Authority) IssuePair(username string) (accessToken, refreshToken string, err error) {
	accessToken, err = a.issueToken(username, KindAccess, a.accessTokenTTL)
	if err != nil {
		return "", "", err
	}

	refreshToken, err = a.issueToken(username, KindRefresh, a.refreshTokenTTL)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

func (a *Authority) issueToken(username, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(a.signingSecretKey)
}

func (a *Authority) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.signingSecretKey, nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, models.ErrTokenInvalid
	}

	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, models.ErrTokenInvalid
	}

	return claims, nil
}

// Authenticate validates the token string as a precondition gate:
// signature and expiry first, then the required kind and finally the
// revocation set. Returns the claims of a valid token.
func (a *Authority) Authenticate(ctx context.Context, tokenString, requiredKind string) (*Claims, error) {
	if tokenString == "" {
		return nil, models.ErrNoToken
	}

	claims, err := a.parseToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Kind != requiredKind {
		return nil, models.ErrWrongTokenKind
	}

	revoked, err := a.db.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, models.ErrTokenRevoked
	}

	return claims, nil
}

// RefreshAccess validates the refresh token and mints a new access token
// bound to the same subject.
func (a *Authority) RefreshAccess(ctx context.Context, refreshToken string) (string, error) {
	claims, err := a.Authenticate(ctx, refreshToken, KindRefresh)
	if err != nil {
		return "", err
	}

	return a.issueToken(claims.Subject, KindAccess, a.accessTokenTTL)
}

// Revoke records the token identifier as revoked. Idempotent.
func (a *Authority) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return a.db.RevokeToken(ctx, jti, expiresAt)
}

// IsRevoked reports whether the token identifier has been revoked.
func (a *Authority) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return a.db.IsTokenRevoked(ctx, jti)
}

// TokenFromRequest extracts the bearer token from the Authorization header.
// A missing header yields an empty string.
func TokenFromRequest(request *http.Request) string {
	tokenString := request.Header.Get("Authorization")

	return strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer"))
}

// ClaimsFromContext retrieves the claims stored by the authentication middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)

	return claims, ok
}

// RequireAccess is an HTTP middleware admitting only requests carrying a
// valid, non-revoked access token.
func (a *Authority) RequireAccess(h http.Handler) http.Handler {
	return a.require(KindAccess, h)
}

// RequireRefresh is an HTTP middleware admitting only requests carrying a
// valid, non-revoked refresh token.
func (a *Authority) RequireRefresh(h http.Handler) http.Handler {
	return a.require(KindRefresh, h)
}

func (a *Authority) require(kind string, h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		claims, err := a.Authenticate(request.Context(), TokenFromRequest(request), kind)
		if err != nil {
			if isTokenError(err) {
				writeAuthError(response, http.StatusUnauthorized, err)
				return
			}
			logger.Log.Debugln("Error calling the `a.Authenticate()`: ", zap.Error(err))
			writeAuthError(response, http.StatusInternalServerError, err)
			return
		}

		ctx := context.WithValue(request.Context(), ClaimsKey, claims)
		h.ServeHTTP(response, request.WithContext(ctx))
	}

	return http.HandlerFunc(middleware)
}

func isTokenError(err error) bool {
	for _, known := range []error{
		models.ErrNoToken,
		models.ErrTokenInvalid,
		models.ErrTokenExpired,
		models.ErrTokenRevoked,
		models.ErrWrongTokenKind,
	} {
		if errors.Is(err, known) {
			return true
		}
	}

	return false
}

func writeAuthError(response http.ResponseWriter, status int, err error) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	if encodeErr := json.NewEncoder(response).Encode(models.MsgResponse{Msg: err.Error()}); encodeErr != nil {
		logger.Log.Debugln("Error encoding the auth error response: ", zap.Error(encodeErr))
	}
}
