package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")

	// ErrInvalidToken covers every bearer-token failure. Callers cannot
	// tell a tampered token from an expired one.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidCredentials covers unknown email, wrong password and
	// disabled accounts at login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrResetTokenInvalid = errors.New("reset token is invalid")
	ErrResetTokenUsed    = errors.New("token already used")
	ErrResetTokenExpired = errors.New("reset token expired")
)

// Conflicts carry a specific reason and match ErrConflict with errors.Is.
var (
	ErrLastAdmin      = fmt.Errorf("%w: the last administrator cannot be removed", ErrConflict)
	ErrSystemRole     = fmt.Errorf("%w: system roles cannot be deleted, renamed or disabled", ErrConflict)
	ErrDuplicateGrant = fmt.Errorf("%w: role already has this permission", ErrConflict)
	ErrEmailTaken     = fmt.Errorf("%w: email is already registered", ErrConflict)
)
