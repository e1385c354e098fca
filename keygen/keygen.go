// Package keygen generates random short keys.
// Generators are safe for concurrent use.
package keygen

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	DefaultLength = 6
)

// Generator generates short keys of a given length.
type Generator interface {
	Generate(length int) (string, error)
}

type alphanumericGenerator struct{}

// NewAlphanumeric returns a Generator drawing uniformly from [A-Za-z0-9].
func NewAlphanumeric() Generator {
	return alphanumericGenerator{}
}

// Generate returns a random key of the requested length.
func (alphanumericGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("length must be positive")
	}

	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[n.Int64()]
	}
	return string(b), nil
}
