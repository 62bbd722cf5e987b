package webauthn

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "passkey.key")

	key, created, err := LoadOrCreateKey(path)
	if err != nil || !created {
		t.Fatalf("first load = %v, %v", created, err)
	}
	again, created, err := LoadOrCreateKey(path)
	if err != nil || created {
		t.Fatalf("second load = %v, %v", created, err)
	}
	if !key.Equal(again) {
		t.Fatalf("reloaded key differs")
	}
	if !bytes.Equal(CredentialIDFor(key), CredentialIDFor(again)) {
		t.Fatalf("credential id not stable")
	}
}

func TestLoadOrCreateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passkey.key")
	if err := os.WriteFile(path, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrCreateKey(path); err == nil {
		t.Fatalf("expected error for garbage key file")
	}
}
