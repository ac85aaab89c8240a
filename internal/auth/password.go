package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords with bcrypt, re-hashing stored digests
// whose cost no longer matches the configured cost (lazy migration: raising
// the cost in config upgrades each user's hash on their next login).
type Hasher struct {
	cost int
}

// NewHasher creates a Hasher with the given bcrypt cost. A cost of 0 selects
// the bcrypt default.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt digest of the plaintext password.
func (h *Hasher) Hash(plain string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(digest), nil
}

// VerifyAndUpdate checks plain against the stored digest. On a successful
// verify with an outdated cost, it also returns a fresh digest for the caller
// to persist; newDigest is empty when no upgrade is needed.
func (h *Hasher) VerifyAndUpdate(plain, digest string) (ok bool, newDigest string) {
	if bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) != nil {
		return false, ""
	}

	cost, err := bcrypt.Cost([]byte(digest))
	if err == nil && cost != h.cost {
		if upgraded, hashErr := h.Hash(plain); hashErr == nil {
			return true, upgraded
		}
		// Verification succeeded; an upgrade failure must not fail the login.
	}

	return true, ""
}
