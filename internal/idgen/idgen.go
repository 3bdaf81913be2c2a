// Package idgen generates opaque surrogate ids and human-readable
// transaction codes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	nanoid "github.com/jaevor/go-nanoid"
)

// Prefixes for surrogate ids, so an id's kind is obvious in logs.
const (
	PrefixOffer       = "off_"
	PrefixTransaction = "txn_"
	PrefixDispute     = "dsp_"
	PrefixPayout      = "pay_"
	PrefixEvent       = "evt_"
)

// CodeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const CodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// CodeLength is the number of random characters after the "TX-" prefix.
const CodeLength = 10

var codeGen = mustCustom(CodeAlphabet, CodeLength)

func mustCustom(alphabet string, length int) func() string {
	gen, err := nanoid.CustomASCII(alphabet, length)
	if err != nil {
		panic("idgen: " + err.Error())
	}
	return gen
}

// WithPrefix generates a random ID with a prefix (e.g. "off_", "txn_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Code returns a human-readable transaction code such as "TX-7KQ2M9XR4B".
// Codes are random, not guaranteed unique; callers check the store and
// draw again on collision.
func Code() string {
	return "TX-" + codeGen()
}
