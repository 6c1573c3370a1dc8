// ABOUTME: COSE_Sign1 receipts binding a content unit to its evidence hash
// ABOUTME: Signed with an Ed25519 key whose seed is kept in a local file

package gates

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// ErrBadReceipt is returned when a receipt does not verify or does not decode.
var ErrBadReceipt = errors.New("invalid receipt")

// ReceiptClaims is the signed payload of a receipt.
type ReceiptClaims struct {
	ContentID    string `cbor:"content_id" json:"content_id"`
	Author       string `cbor:"author" json:"author"`
	BodySHA256   string `cbor:"body_sha256" json:"body_sha256"`
	EvidenceHash string `cbor:"evidence_hash" json:"evidence_hash"`
	IssuedAt     int64  `cbor:"issued_at" json:"issued_at"`
}

// BodyDigest is the hex SHA-256 of a content body as recorded in receipts.
func BodyDigest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Notary signs and checks receipts.
type Notary struct {
	public   ed25519.PublicKey
	kid      []byte
	signer   cose.Signer
	verifier cose.Verifier
}

// NewNotary wraps an Ed25519 private key.
func NewNotary(priv ed25519.PrivateKey) (*Notary, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, priv)
	if err != nil {
		return nil, fmt.Errorf("creating receipt signer: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pub)
	if err != nil {
		return nil, fmt.Errorf("creating receipt verifier: %w", err)
	}
	sum := sha256.Sum256(pub)
	return &Notary{
		public:   pub,
		kid:      sum[:8],
		signer:   signer,
		verifier: verifier,
	}, nil
}

// LoadOrCreateNotary reads a 32 byte Ed25519 seed from path, creating the file
// with a fresh seed when it does not exist.
func LoadOrCreateNotary(path string) (*Notary, error) {
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating receipt key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating receipt key directory: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("writing receipt key: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading receipt key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("receipt key %s: want %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	return NewNotary(ed25519.NewKeyFromSeed(seed))
}

// KeyID is the hex key identifier carried in every receipt.
func (n *Notary) KeyID() string {
	return hex.EncodeToString(n.kid)
}

// PublicKey returns the verification key.
func (n *Notary) PublicKey() ed25519.PublicKey {
	return n.public
}

// Sign issues a receipt for claims. IssuedAt is filled from now when zero.
func (n *Notary) Sign(claims ReceiptClaims, now time.Time) ([]byte, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = now.Unix()
	}
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt claims: %w", err)
	}
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmEdDSA,
		},
		Unprotected: cose.UnprotectedHeader{
			cose.HeaderLabelKeyID: n.kid,
		},
	}
	receipt, err := cose.Sign1(rand.Reader, n.signer, headers, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("signing receipt: %w", err)
	}
	return receipt, nil
}

// Open verifies a receipt and returns its claims.
func (n *Notary) Open(raw []byte) (*ReceiptClaims, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReceipt, err)
	}
	if err := msg.Verify(nil, n.verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReceipt, err)
	}
	var claims ReceiptClaims
	if err := cbor.Unmarshal(msg.Payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReceipt, err)
	}
	return &claims, nil
}
