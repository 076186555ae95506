// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/memoria-dev/memoria/internal/store"
)

// NormalizeText canonicalizes memory text for fingerprinting: lower-case,
// whitespace runs collapsed to single spaces, trailing punctuation
// stripped. These rules are part of the storage contract; changing them
// invalidates every stored idempotency key.
func NormalizeText(text string) string {
	text = strings.ToLower(text)
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRight(text, ".,;:!? ")
}

// Fingerprint derives the idempotency key for a memory:
// hex(SHA256(normalized_text || 0x1F || type)).
func Fingerprint(text string, typ store.MemoryType) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0x1F})
	h.Write([]byte(typ))
	return hex.EncodeToString(h.Sum(nil))
}
