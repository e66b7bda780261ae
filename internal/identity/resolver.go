// Package identity derives stable customer handles from request hints.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"genstudio/internal/domain"
)

// Handle prefixes by provenance.
const (
	PrefixUser     = "user:"
	PrefixCustomer = "cust:"
	PrefixEmail    = "email:"
	PrefixDevice   = "device:"
)

const maxIDLength = 128

var (
	invalidIDChars = regexp.MustCompile(`[^a-z0-9._:@-]`)
	emailPattern   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Hints are the identity-bearing fields of a request.
type Hints struct {
	// Subject is the verified bearer-token subject, if any.
	Subject string
	// CustomerID comes from the request body or the X-Customer-Id header.
	CustomerID string
	Email      string
	DeviceID   string
}

// Resolve derives a stable customer handle. It is a pure function of h.
func Resolve(h Hints) (string, error) {
	if id := normalizeID(h.Subject); id != "" {
		return PrefixUser + id, nil
	}
	if id := normalizeID(h.CustomerID); id != "" {
		return PrefixCustomer + id, nil
	}
	if email := strings.ToLower(strings.TrimSpace(h.Email)); email != "" {
		if !emailPattern.MatchString(email) {
			return "", fmt.Errorf("%w: malformed email", domain.ErrMissingIdentity)
		}
		sum := sha256.Sum256([]byte(email))
		return PrefixEmail + hex.EncodeToString(sum[:])[:24], nil
	}
	if id := normalizeID(h.DeviceID); id != "" {
		return PrefixDevice + id, nil
	}
	return "", domain.ErrMissingIdentity
}

// IsDevice reports whether handle was derived from an anonymous device id.
func IsDevice(handle string) bool {
	return strings.HasPrefix(handle, PrefixDevice)
}

func normalizeID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = invalidIDChars.ReplaceAllString(id, "")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}
