package auth

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/text/cases"
)

var emailFolder = cases.Fold()

// NormalizeEmail trims and case-folds an address so that lookups and
// uniqueness are case-insensitive. It rejects values that are not a
// bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return emailFolder.String(email), nil
}
