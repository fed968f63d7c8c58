package imports

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Roles
const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)

// MinPasswordLength is enforced for every password set through this package
const MinPasswordLength = 8

// HashPassword bcrypt-hashes a password after checking its length
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
