package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type proofInput struct {
	Result   any    `json:"result"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"issued_at"`
}

// ComputeProof is the hex sha256 of the canonical JSON encoding of
// {result, nonce, issued_at} with issued_at in unix milliseconds. Workers
// and the verifier must compute it the same way.
func ComputeProof(result any, nonce string, issuedAt time.Time) (string, error) {
	canon, err := canonical(result)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(proofInput{Result: canon, Nonce: nonce, IssuedAt: issuedAt.UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("failed to encode proof input: %w", err)
	}
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// ResultHash is the content hash used to group equal results.
func ResultHash(result any) (string, error) {
	canon, err := canonical(result)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// canonical normalizes v to the shape it has after a JSON round trip, so a
// result hashes the same before and after crossing the broker.
func canonical(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}

	return out, nil
}
