package auth

import "golang.org/x/crypto/bcrypt"

// NewFastHasher keeps test runs quick; production code goes through
// NewHasher and its minimum cost.
func NewFastHasher() *Hasher { return &Hasher{cost: bcrypt.MinCost} }
