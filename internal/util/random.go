// Package util provides small helpers shared across Routine Butler packages.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// IDs are not secrets; math/rand/v2 is sufficient.
func GenerateRandomID(prefix string, hexLength int) string {
	if hexLength <= 0 {
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix) + hexLength)
	b.WriteString(prefix)
	for i := 0; i < hexLength; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// GenerateRunID returns a program run ID. The ID is chosen when a program
// completes and travels with the pending run, so a retried write is
// recognised as the same record.
func GenerateRunID() string {
	return GenerateRandomID("run_", 32)
}
