package ezviz

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Setup error reasons reported to the user
const (
	ReasonInvalidHost   = "invalid_host"
	ReasonCannotConnect = "cannot_connect"
	ReasonMFARequired   = "mfa_required"
	ReasonInvalidAuth   = "invalid_auth"
	ReasonUnknown       = "unknown"
)

// ValidateAuth verifies cloud credentials with a single login and returns the
// session to persist
func ValidateAuth(ctx context.Context, cfg Config, logger *zap.Logger) (Session, error) {
	client := NewClient(cfg, logger)
	defer client.CloseSession()

	return client.Login(ctx)
}

// ErrorReason maps a login error to a setup error reason. A nil error maps to
// the empty string.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return ReasonInvalidHost
	case errors.Is(err, ErrInvalidHost):
		return ReasonCannotConnect
	case errors.Is(err, ErrMFARequired):
		return ReasonMFARequired
	case errors.Is(err, ErrInvalidAuth), errors.Is(err, ErrAuthExpired):
		return ReasonInvalidAuth
	default:
		return ReasonUnknown
	}
}

// IsPermanent reports whether err needs the user to change the configuration.
// Other errors may clear up on a later attempt.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidAuth) ||
		errors.Is(err, ErrMFARequired) ||
		errors.Is(err, ErrInvalidURL)
}
