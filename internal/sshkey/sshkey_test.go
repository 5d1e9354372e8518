package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "studio")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "studio", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(p, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInspect(t *testing.T) {
	p := writeKey(t, "")
	info, err := Inspect(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != ssh.KeyAlgoED25519 {
		t.Errorf("Type = %q", info.Type)
	}
	if !strings.HasPrefix(info.Fingerprint, "SHA256:") {
		t.Errorf("Fingerprint = %q", info.Fingerprint)
	}
	if !strings.HasPrefix(info.AuthorizedKey, "ssh-ed25519 ") {
		t.Errorf("AuthorizedKey = %q", info.AuthorizedKey)
	}
	if info.Path != p {
		t.Errorf("Path = %q", info.Path)
	}
}

func TestInspectPassphrase(t *testing.T) {
	_, err := Inspect(writeKey(t, "hunter2"))
	if !errors.Is(err, ErrPassphrase) {
		t.Fatalf("err = %v, want ErrPassphrase", err)
	}
}

func TestInspectErrors(t *testing.T) {
	if _, err := Inspect(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Parse("junk", []byte("not a key")); err == nil {
		t.Error("expected error for junk key")
	}
}
