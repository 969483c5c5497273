package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

type Role string

const (
	RoleViewer  Role = "VIEWER"
	RoleCreator Role = "CREATOR"
	RoleAdmin   Role = "ADMIN"
	RoleService Role = "SERVICE"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleViewer, RoleCreator, RoleAdmin, RoleService:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Actor is the identity established by the external identity provider.
type Actor struct {
	ID   string
	Role Role
}

// Claims carried by paid-action bearer tokens.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingClaims = errors.New("missing actor claims")
)

// HMACKeyset holds HS256 secrets by key id. Tokens are signed with ActiveKID and
// verified with whichever key their kid header names.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

type JWTVerifier struct {
	keys HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keys: HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(keys HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

func (v *JWTVerifier) keyFor(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keys.ActiveKID
	}
	key, ok := v.keys.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" || claims.Role == "" {
		return Actor{}, ErrMissingClaims
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Actor{}, ErrMissingClaims
	}
	return Actor{ID: userID, Role: role}, nil
}

type JWTSigner struct {
	keys HMACKeyset
}

func NewJWTSignerWithKeyset(keys HMACKeyset) *JWTSigner {
	return &JWTSigner{keys: keys}
}

// SignActor mints a short-lived token for actor. It backs local tooling and tests; production
// tokens come from the identity provider.
func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	key, ok := s.keys.Keys[s.keys.ActiveKID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active kid %q has no key", s.keys.ActiveKID)
	}
	exp := now.Add(ttl)
	claims := Claims{
		UserID: actor.ID,
		Role:   string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keys.ActiveKID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"kind": "auth", "message": msg}})
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

// HTTPJWTMiddlewareWithSkips authenticates every request except those whose path is listed
// exactly in skipPaths.
func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
