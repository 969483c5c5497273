package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"userId": "viewer-1",
		"role":   "viewer",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.ID != "viewer-1" || actor.Role != RoleViewer {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseActorRejectsExpiredAndUnknownRole(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	sign := func(c jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	expired := sign(jwt.MapClaims{"userId": "u", "role": "VIEWER", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := verifier.ParseActor(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	noExp := sign(jwt.MapClaims{"userId": "u", "role": "VIEWER"})
	if _, err := verifier.ParseActor(noExp); err == nil {
		t.Fatalf("expected token without exp to fail")
	}
	badRole := sign(jwt.MapClaims{"userId": "u", "role": "ROOT", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := verifier.ParseActor(badRole); err != ErrMissingClaims {
		t.Fatalf("expected ErrMissingClaims, got %v", err)
	}
}

func TestParseActorWithKeyRotation(t *testing.T) {
	keyset, err := ParseHMACKeyset("", "old:old-secret,new:new-secret", "new")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signerOld := NewJWTSignerWithKeyset(HMACKeyset{
		ActiveKID: "old",
		Keys:      keyset.Keys,
	})
	signerNew := NewJWTSignerWithKeyset(HMACKeyset{
		ActiveKID: "new",
		Keys:      keyset.Keys,
	})
	verifier := NewJWTVerifierWithKeyset(keyset)

	now := time.Now().UTC()
	oldToken, _, err := signerOld.SignActor(Actor{ID: "viewer-1", Role: RoleViewer}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old token: %v", err)
	}
	newToken, _, err := signerNew.SignActor(Actor{ID: "creator-2", Role: RoleCreator}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new token: %v", err)
	}

	oldActor, err := verifier.ParseActor(oldToken)
	if err != nil {
		t.Fatalf("verify old token: %v", err)
	}
	newActor, err := verifier.ParseActor(newToken)
	if err != nil {
		t.Fatalf("verify new token: %v", err)
	}
	if oldActor.ID != "viewer-1" || newActor.ID != "creator-2" || newActor.Role != RoleCreator {
		t.Fatalf("unexpected actors after rotation: old=%+v new=%+v", oldActor, newActor)
	}

	retired := NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "new", Keys: map[string][]byte{"new": []byte("new-secret")}})
	if _, err := retired.ParseActor(oldToken); err == nil {
		t.Fatalf("expected token signed by a retired key to fail")
	}
}

func TestParseHMACKeysetRejectsMissingActiveKey(t *testing.T) {
	if _, err := ParseHMACKeyset("", "a:1", "b"); err == nil {
		t.Fatalf("expected error for missing active kid")
	}
	if _, err := ParseHMACKeyset("", "broken", ""); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
	ks, err := ParseHMACKeyset("s3cret", "", "")
	if err != nil || ks.ActiveKID != "default" {
		t.Fatalf("unexpected single-secret keyset: %+v err=%v", ks, err)
	}
}

func TestHTTPJWTMiddlewareWithSkips(t *testing.T) {
	keyset, _ := ParseHMACKeyset("s3cret", "", "")
	verifier := NewJWTVerifierWithKeyset(keyset)
	signer := NewJWTSignerWithKeyset(keyset)

	var seen Actor
	h := HTTPJWTMiddlewareWithSkips(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), []string{"/healthz"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip path to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, _, err := signer.SignActor(Actor{ID: "viewer-9", Role: RoleViewer}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.ID != "viewer-9" {
		t.Fatalf("expected authenticated pass-through, code=%d actor=%+v", rec.Code, seen)
	}
}
