// ABOUTME: Public key helpers shared by the mux, the audit store and the CLI
// ABOUTME: Computes fingerprints and parses authorized_keys lines

package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the ssh-keygen style SHA256 fingerprint ("SHA256:...").
func Fingerprint(pubkey ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pubkey)
}

// FingerprintBlob computes the SHA256 fingerprint of a wire-encoded public key.
// Blobs that do not parse still get a stable fingerprint so that logs and the
// audit trail can name them.
func FingerprintBlob(blob []byte) string {
	pubkey, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return "unparsed:" + HexBlob(blob)
	}
	return Fingerprint(pubkey)
}

// HexBlob returns the lowercase hex SHA256 of blob, without colons.
func HexBlob(blob []byte) string {
	hash := sha256.Sum256(blob)
	return hex.EncodeToString(hash[:])
}

// ParseAuthorizedKey parses a single authorized_keys line such as
// "ssh-ed25519 AAAA... comment" and returns the key and its comment.
func ParseAuthorizedKey(line string) (ssh.PublicKey, string, error) {
	pubkey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, "", fmt.Errorf("invalid public key: %w", err)
	}
	return pubkey, comment, nil
}

// Describe renders a key the way `ssh-add -l` does: "<type> <fingerprint> <comment>".
func Describe(pubkey ssh.PublicKey, comment string) string {
	if comment == "" {
		comment = "(no comment)"
	}
	return fmt.Sprintf("%s %s %s", pubkey.Type(), Fingerprint(pubkey), comment)
}
