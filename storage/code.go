package storage

import (
	"crypto/rand"
	"fmt"
)

const codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// NewCode returns a random URL-safe shareable code of the given length.
func NewCode(length int) (string, error) {
	if length <= 0 {
		length = 10
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("storage: generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
