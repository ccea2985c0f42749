package auth

import (
	"sync"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// MaxPasswordLength is the bcrypt input limit in bytes
	MaxPasswordLength = 72
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// PasswordValidationError represents a specific password validation failure
type PasswordValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PasswordValidator handles password validation and hashing
type PasswordValidator struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordValidator creates a new PasswordValidator instance
func NewPasswordValidator() *PasswordValidator {
	return &PasswordValidator{cost: BcryptCost}
}

// NewPasswordValidatorWithCost creates a PasswordValidator hashing at cost
func NewPasswordValidatorWithCost(cost int) *PasswordValidator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = BcryptCost
	}
	return &PasswordValidator{cost: cost}
}

// ValidatePassword checks if a password meets all complexity requirements
// Returns a list of validation errors (empty if password is valid)
func (v *PasswordValidator) ValidatePassword(password string) []PasswordValidationError {
	var errors []PasswordValidationError

	if len(password) < MinPasswordLength {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters long",
		})
	}
	if len(password) > MaxPasswordLength {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must not exceed 72 bytes",
		})
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one uppercase letter",
		})
	}

	if !hasLower {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one lowercase letter",
		})
	}

	if !hasNumber {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}

	if !hasSpecial {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one special character",
		})
	}

	return errors
}

// IsValidPassword returns true if the password meets all requirements
func (v *PasswordValidator) IsValidPassword(password string) bool {
	return len(v.ValidatePassword(password)) == 0
}

// HashPassword creates a bcrypt hash of the password
func (v *PasswordValidator) HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", bcrypt.ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a password with its bcrypt hash
// Returns nil if they match, error otherwise
func (v *PasswordValidator) VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CompareDummy runs one bcrypt comparison at the validator's cost against a
// hash of a random secret. It always returns an error; login uses it when no
// stored hash exists so that rejection takes as long as a wrong password.
func (v *PasswordValidator) CompareDummy(password string) error {
	v.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), v.cost)
		if err == nil {
			v.dummyHash = hash
		}
	})
	if v.dummyHash == nil {
		return bcrypt.ErrHashTooShort
	}
	if err := bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password)); err != nil {
		return err
	}
	return bcrypt.ErrMismatchedHashAndPassword
}

// GetBcryptCost extracts the cost factor from a bcrypt hash
func GetBcryptCost(hash string) (int, error) {
	return bcrypt.Cost([]byte(hash))
}
