// Package sshkey inspects the identity file the proxy hands to ssh.
package sshkey

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrPassphrase is returned for encrypted keys; ssh runs in batch mode and
// cannot prompt for a passphrase.
var ErrPassphrase = errors.New("identity is passphrase protected")

// Info describes a private key's public half.
type Info struct {
	Path          string
	Type          string
	Fingerprint   string
	AuthorizedKey string
}

// Inspect parses the private key at path.
func Inspect(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read identity: %w", err)
	}
	return Parse(path, data)
}

// Parse is Inspect for key material already in memory.
func Parse(path string, pemBytes []byte) (Info, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return Info{}, fmt.Errorf("%s: %w", path, ErrPassphrase)
		}
		return Info{}, fmt.Errorf("failed to parse identity %s: %w", path, err)
	}
	pub := signer.PublicKey()
	return Info{
		Path:          path,
		Type:          pub.Type(),
		Fingerprint:   ssh.FingerprintSHA256(pub),
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
	}, nil
}
