// Package validation provides input validation for the notary listener API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

var (
	documentHashRegex = regexp.MustCompile(`^0x[a-f0-9]{64}$`)
	decimalRegex      = regexp.MustCompile(`^[0-9]+$`)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeDocumentHash trims, lower-cases and 0x-prefixes a bytes32 hash.
// The result matches common.Hash.Hex() for the same value.
func NormalizeDocumentHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, "0x") && len(h) == 64 {
		h = "0x" + h
	}
	return h
}

// IsValidDocumentHash checks a normalized bytes32 hash.
func IsValidDocumentHash(h string) bool {
	return documentHashRegex.MatchString(h)
}

// ParseEscrowID parses a decimal escrow id in the uint256 range.
func ParseEscrowID(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if !decimalRegex.MatchString(s) {
		return nil, false
	}
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Cmp(maxUint256) > 0 {
		return nil, false
	}
	return id, true
}

// CanonicalEscrowID strips leading zeros so "007" and "7" key the same escrow.
func CanonicalEscrowID(s string) (string, bool) {
	id, ok := ParseEscrowID(s)
	if !ok {
		return "", false
	}
	return id.String(), true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidDocumentHash checks that value normalizes to a bytes32 hash.
func ValidDocumentHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidDocumentHash(NormalizeDocumentHash(value)) {
			return &ValidationError{Field: field, Message: "must be a 32-byte hex hash (0x + 64 hex chars)"}
		}
		return nil
	}
}

// ValidEscrowID checks that value is a non-negative decimal integer that fits in uint256.
func ValidEscrowID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseEscrowID(value); !ok {
			return &ValidationError{Field: field, Message: "must be a decimal integer in the uint256 range"}
		}
		return nil
	}
}
