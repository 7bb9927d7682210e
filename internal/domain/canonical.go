// Package domain contains the core claim-analysis entities shared by every
// stage of the DCAL pipeline: claims, rule definitions, rule results, the
// ML contract, the intelligence report, the decision trace and the audit
// record.
package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON renders v as canonical JSON: UTF-8, object keys sorted
// lexicographically, no insignificant whitespace. encoding/json marshals
// struct fields in declaration order, so the output is re-decoded through
// map[string]any (see canonicalizeRaw) to sort struct-derived keys too.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalizeRaw(raw)
}

// canonicalizeRaw re-marshals an already-encoded JSON value through
// map[string]any/[]any so object keys sort lexicographically regardless of
// the original struct field order, and compacts whitespace.
func canonicalizeRaw(raw []byte) ([]byte, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return out, nil
}

// SHA256Hex computes the SHA-256 digest of data and returns it as lowercase
// hex, matching the checksum and content/chain hash formats used throughout
// and
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256HexOf canonicalizes v and returns the hex SHA-256 digest of the
// canonical form.
func SHA256HexOf(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}
