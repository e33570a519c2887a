// Package fingerprint produces deterministic blake3 digests over canonical
// JSON. Job fingerprints seed stage idempotency keys and batch config hashes
// prove a locked configuration has not drifted.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

const prefix = "blake3:"

// Canonical re-encodes v as JSON with object keys sorted and insignificant
// whitespace removed. Numbers are preserved verbatim.
func Canonical(v any) ([]byte, error) {
	var raw []byte
	switch value := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode canonical json: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode canonical json: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	return out, nil
}

// Sum hashes the given parts, separated by a NUL byte, and returns "blake3:<hex>".
func Sum(parts ...[]byte) string {
	hasher := blake3.New()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write(part)
	}
	return prefix + hex.EncodeToString(hasher.Sum(nil))
}

// Job computes the fingerprint of a job from its type, inputs, and config.
// Semantically equal JSON documents produce the same fingerprint.
func Job(jobType string, inputs, config json.RawMessage) (string, error) {
	canonicalInputs, err := Canonical(inputs)
	if err != nil {
		return "", fmt.Errorf("inputs: %w", err)
	}
	canonicalConfig, err := Canonical(config)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return Sum([]byte(jobType), canonicalInputs, canonicalConfig), nil
}

// Derive produces a child fingerprint for a job forked from parent at stage.
func Derive(parent, jobID, stage string) string {
	return Sum([]byte(parent), []byte(jobID), []byte(stage))
}

// Config hashes a canonical configuration snapshot.
func Config(canonical []byte) string {
	return Sum(canonical)
}
