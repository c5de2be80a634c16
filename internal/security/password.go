// Package security wraps the project-wide password hashing scheme:
// a self-describing salted hash with constant-time verification, used
// by the role login path.
package security

import "golang.org/x/crypto/bcrypt"

// HashPassword produces a self-describing salted hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword performs a constant-time comparison of password
// against the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
