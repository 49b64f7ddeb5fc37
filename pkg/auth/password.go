package auth

import (
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 10

var (
	ErrPasswordTooShort     = errors.New("password must be at least 10 characters")
	ErrPasswordNeedsUpper   = errors.New("password must contain an uppercase letter")
	ErrPasswordNeedsLower   = errors.New("password must contain a lowercase letter")
	ErrPasswordNeedsDigit   = errors.New("password must contain a digit")
	ErrPasswordNeedsSpecial = errors.New("password must contain a special character")
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, stored string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword enforces the account password policy.
func ValidatePassword(password string) error {
	if len([]rune(password)) < minPasswordLength {
		return ErrPasswordTooShort
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case !upper:
		return ErrPasswordNeedsUpper
	case !lower:
		return ErrPasswordNeedsLower
	case !digit:
		return ErrPasswordNeedsDigit
	case !special:
		return ErrPasswordNeedsSpecial
	}
	return nil
}
