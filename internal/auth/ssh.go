// ABOUTME: SSH public key identities for agents
// ABOUTME: Derives addresses from key material and verifies signatures over challenges

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// challengeDomain separates challenge signatures from any other use of the key.
const challengeDomain = "coven-witness-challenge"

// ParsePublicKey parses a key in authorized_keys format, e.g. "ssh-ed25519 AAAA...".
func ParsePublicKey(s string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// AddressOf computes the address of a public key: lowercase hex SHA-256 of the
// key's wire encoding. Comments and whitespace in the authorized_keys line do not
// affect it.
func AddressOf(pub ssh.PublicKey) string {
	hash := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(hash[:])
}

// AddressFromKey parses pubkeyStr and returns its address and canonical form.
func AddressFromKey(pubkeyStr string) (address, canonical string, err error) {
	pub, err := ParsePublicKey(pubkeyStr)
	if err != nil {
		return "", "", err
	}
	canonical = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	return AddressOf(pub), canonical, nil
}

// ChallengeMessage is the byte string an identity signs to answer a challenge.
func ChallengeMessage(address, nonce string) []byte {
	return []byte(challengeDomain + "|" + address + "|" + nonce)
}

// NewNonce returns size random bytes, hex encoded.
func NewNonce(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// decodeSignature parses a base64 SSH wire signature.
func decodeSignature(s string) (*ssh.Signature, error) {
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return nil, fmt.Errorf("invalid signature format: %w", err)
	}
	return sig, nil
}

// verifyChallengeSignature checks signature over the challenge message.
func verifyChallengeSignature(pubkeyStr, address, nonce, signature string) error {
	pub, err := ParsePublicKey(pubkeyStr)
	if err != nil {
		return err
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if err := pub.Verify(ChallengeMessage(address, nonce), sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// SignChallenge answers a challenge with signer. Clients use it; the service
// never holds private keys.
func SignChallenge(signer ssh.Signer, address, nonce string) (string, error) {
	sig, err := signer.Sign(rand.Reader, ChallengeMessage(address, nonce))
	if err != nil {
		return "", fmt.Errorf("signing challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}
