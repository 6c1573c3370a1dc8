// ABOUTME: Gate evidence records and the canonical evidence hash
// ABOUTME: Evidence lists are CBOR core deterministic encoded before hashing

package gates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Result is the verdict of one gate.
type Result string

const (
	Passed  Result = "PASSED"
	Failed  Result = "FAILED"
	Warning Result = "WARNING"
	Skipped Result = "SKIPPED"
)

// Valid reports whether r is one of the four known verdicts.
func (r Result) Valid() bool {
	switch r {
	case Passed, Failed, Warning, Skipped:
		return true
	}
	return false
}

// Names of the pseudo gates recorded by input screening.
const (
	InputValidation   = "INPUT_VALIDATION"
	ContextValidation = "CONTEXT_VALIDATION"
)

// Evidence is what a gate says about a submission. Details values are strings so
// that a JSON round trip through storage re-hashes to the same digest.
type Evidence struct {
	Gate       string            `json:"gate_name" cbor:"gate_name"`
	Result     Result            `json:"result" cbor:"result"`
	Confidence float64           `json:"confidence" cbor:"confidence"`
	Reason     string            `json:"reason" cbor:"reason"`
	Details    map[string]string `json:"details,omitempty" cbor:"details,omitempty"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building cbor encoder: %v", err))
	}
	return em
}

// CanonicalBytes returns the deterministic CBOR encoding of evidence. Order is
// significant: the same records in a different order encode differently.
func CanonicalBytes(evidence []Evidence) ([]byte, error) {
	if evidence == nil {
		evidence = []Evidence{}
	}
	b, err := encMode.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence: %w", err)
	}
	return b, nil
}

// Hash returns the hex SHA-256 of the canonical encoding of evidence.
func Hash(evidence []Evidence) (string, error) {
	b, err := CanonicalBytes(evidence)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeEvidence parses stored evidence JSON.
func DecodeEvidence(raw []byte) ([]Evidence, error) {
	var evidence []Evidence
	if err := json.Unmarshal(raw, &evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence: %w", err)
	}
	return evidence, nil
}

// Intact reports whether stored evidence still hashes to the recorded digest.
func Intact(raw []byte, recorded string) bool {
	evidence, err := DecodeEvidence(raw)
	if err != nil {
		return false
	}
	h, err := Hash(evidence)
	if err != nil {
		return false
	}
	return h == recorded
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
