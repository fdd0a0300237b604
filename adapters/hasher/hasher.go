// Package hasher provides bcrypt hashing for admin tokens.
package hasher

import (
	"github.com/farebox/quotagate/ports"
	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hashes with the bcrypt algorithm.
type Bcrypt struct {
	cost int
}

// New creates a bcrypt hasher with the given cost. Zero cost uses the
// library default.
func New(cost int) Bcrypt {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash of plaintext.
func (b Bcrypt) Hash(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
}

// Compare checks if plaintext matches hash.
func (Bcrypt) Compare(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

var _ ports.Hasher = Bcrypt{}
