// Package id generates prefixed identifiers for catalog records.
package id

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SnapshotPrefix prefixes catalog snapshot identifiers.
const SnapshotPrefix = "snap"

// Generate returns prefix, a hyphen and a 21 character NanoID, for example
// "snap-V1StGXR8_Z5jdHi6B-myT". It fails only when the system cannot supply
// secure randomness.
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics on failure.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// NewSnapshot returns a snapshot identifier.
func NewSnapshot() (string, error) {
	return Generate(SnapshotPrefix)
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	return ok && len(rest) == 21
}
