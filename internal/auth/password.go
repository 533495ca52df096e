package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MaxPasswordLength bounds bcrypt input
	MaxPasswordLength = 72
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string, cost int) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", fmt.Errorf("password too long")
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// VerifyPassword verifies a password against a bcrypt hash
func VerifyPassword(password, hash string) bool {
	if hash == "" || len(password) > MaxPasswordLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Operator is one configured API account
type Operator struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
}

// Authenticate checks credentials against the configured operators
func Authenticate(operators []Operator, name, password string) (OperatorClaims, error) {
	for _, op := range operators {
		if op.Name != name {
			continue
		}
		if !VerifyPassword(password, op.PasswordHash) {
			break
		}
		role := op.Role
		if role == "" {
			role = RoleViewer
		}
		return OperatorClaims{Operator: op.Name, Role: role}, nil
	}
	return OperatorClaims{}, ErrInvalidCredentials
}
