// Package fingerprint derives the identity of a logical augmentation job
// from its configuration and input dataset. Equal inputs always produce the
// same fingerprint; any byte-level change to either produces a new one. The
// value is opaque and only ever compared for equality.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// fileChunkSize is the read granularity when streaming dataset bytes
// through the hash.
const fileChunkSize = 8192

// Hash returns the hex SHA-256 of the canonical JSON encoding of data.
// Map keys are serialized in sorted order, so logically equal
// configurations hash identically regardless of declaration order.
func Hash(data any) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize config: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// HashFile streams the file content through SHA-256 in fixed-size chunks
// and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, fileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read dataset: %w", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Compute combines the configuration hash and the dataset hash into the
// job fingerprint.
func Compute(config any, datasetPath string) (string, error) {
	configHash, err := Hash(config)
	if err != nil {
		return "", err
	}
	dataHash, err := HashFile(datasetPath)
	if err != nil {
		return "", err
	}
	return Hash(map[string]string{
		"config": configHash,
		"csv":    dataHash,
	})
}
