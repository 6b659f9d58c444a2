// Package util provides utility functions shared across RemindKit components.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand; these IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateItemID generates a unique scheduled item ID with "rem_" prefix.
func GenerateItemID() string {
	return GenerateRandomID("rem_", 32)
}

// GenerateAttemptID generates a unique delivery attempt ID with "att_" prefix.
func GenerateAttemptID() string {
	return GenerateRandomID("att_", 32)
}

// GenerateLeaseToken generates an idempotency lease token with "lease_" prefix.
func GenerateLeaseToken() string {
	return GenerateRandomID("lease_", 32)
}
