package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKeysetFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jwt-keys")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write keyset file: %v", err)
	}
	return path
}

func TestKeysetSourceJSONFile(t *testing.T) {
	path := writeKeysetFile(t, `{"active_kid":"k2","keys":{"k1":"secret1","k2":"secret2"}}`)

	keyset, err := KeysetSource{File: path, Secret: "ignored"}.Load()
	if err != nil {
		t.Fatalf("load keyset file: %v", err)
	}
	if keyset.ActiveKID != "k2" {
		t.Fatalf("expected active kid k2, got=%q", keyset.ActiveKID)
	}
	if string(keyset.Keys["k1"]) != "secret1" || string(keyset.Keys["k2"]) != "secret2" || len(keyset.Keys) != 2 {
		t.Fatalf("unexpected key material: %v", keyset.Keys)
	}
}

func TestKeysetSourceRotation(t *testing.T) {
	path := writeKeysetFile(t, "# walletd signing keys\n2026-09:old-secret\n\n2026-10:new-secret\n")
	now := time.Now().UTC()

	before, err := KeysetSource{File: path, ActiveKID: "2026-09"}.Load()
	if err != nil {
		t.Fatalf("load before rotation: %v", err)
	}
	oldToken, _, err := NewJWTSignerWithKeyset(before).SignActor(Actor{ID: "creator-1", Role: RoleCreator}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old: %v", err)
	}

	after, err := KeysetSource{File: path, ActiveKID: "2026-10"}.Load()
	if err != nil {
		t.Fatalf("load after rotation: %v", err)
	}
	newToken, _, err := NewJWTSignerWithKeyset(after).SignActor(Actor{ID: "viewer-1", Role: RoleViewer}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new: %v", err)
	}

	verifier := NewJWTVerifierWithKeyset(after)
	if a, err := verifier.ParseActor(oldToken); err != nil || a.ID != "creator-1" {
		t.Fatalf("token from the retiring key must still verify: %+v err=%v", a, err)
	}
	if a, err := verifier.ParseActor(newToken); err != nil || a.ID != "viewer-1" {
		t.Fatalf("token from the new key must verify: %+v err=%v", a, err)
	}
}

func TestKeysetSourceMergesFileAndEnvKeys(t *testing.T) {
	path := writeKeysetFile(t, `{"keys":{"k1":"secret1"}}`)

	keyset, err := KeysetSource{File: path, Keys: "k2:secret2", ActiveKID: "k2"}.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keyset.Keys) != 2 || keyset.ActiveKID != "k2" {
		t.Fatalf("unexpected keyset %+v", keyset)
	}

	if _, err := (KeysetSource{File: path, Keys: "k1:other"}).Load(); err == nil {
		t.Fatalf("expected error for kid defined with two secrets")
	}
	if _, err := (KeysetSource{File: path}).Load(); err == nil {
		t.Fatalf("expected error when the default kid is not in the file")
	}
}

func TestKeysetSourceSecretFallback(t *testing.T) {
	keyset, err := KeysetSource{Secret: "s3cret", ActiveKID: "k1"}.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if keyset.ActiveKID != "k1" || string(keyset.Keys["k1"]) != "s3cret" {
		t.Fatalf("unexpected keyset %+v", keyset)
	}
	if _, err := (KeysetSource{}).Load(); err == nil {
		t.Fatalf("expected error for empty source")
	}
	if _, err := (KeysetSource{File: filepath.Join(t.TempDir(), "missing")}).Load(); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
