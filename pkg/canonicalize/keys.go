package canonicalize

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// InputsHash hashes a playbook input map. A nil map hashes like an empty one.
func InputsHash(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	h, err := CanonicalHash(inputs)
	if err != nil {
		return "", fmt.Errorf("inputs hash: %w", err)
	}
	return h, nil
}

// RunKey derives the idempotency key of a remediation run.
func RunKey(incidentKey, playbookID, inputsHash string) string {
	return "run:" + digest(incidentKey, playbookID, inputsHash)
}

// IdempotencyKey derives the idempotency key of a single remediation step.
func IdempotencyKey(actionType, incidentKey, paramsHash string) string {
	return "idem:" + digest(actionType, incidentKey, paramsHash)
}

// digest hashes length-prefixed, NFC-normalized parts so that part
// boundaries cannot shift between inputs.
func digest(parts ...string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		p = norm.NFC.String(p)
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
