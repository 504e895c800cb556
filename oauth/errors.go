package oauth

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrorCode classifies token failures so callers (and alerting) can tell
// "needs a human to re-consent" apart from "transient, will self-heal".
type ErrorCode string

const (
	CodeNoRefreshToken      ErrorCode = "NO_REFRESH_TOKEN"
	CodeInvalidRefreshToken ErrorCode = "INVALID_REFRESH_TOKEN"
	CodeRefreshFailed       ErrorCode = "REFRESH_FAILED"
)

// TokenError is returned by Manager.AccessToken.
type TokenError struct {
	Code    ErrorCode
	Status  int
	Message string
	Err     error
}

func (e *TokenError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenError) Unwrap() error { return e.Err }

// Is matches any TokenError with the same code, so errors.Is(err,
// ErrInvalidRefreshToken) works on wrapped values.
func (e *TokenError) Is(target error) bool {
	t, ok := target.(*TokenError)
	return ok && t.Code == e.Code
}

var (
	ErrNoRefreshToken      = &TokenError{Code: CodeNoRefreshToken, Message: "no refresh token stored, run the OAuth consent flow"}
	ErrInvalidRefreshToken = &TokenError{Code: CodeInvalidRefreshToken, Message: "refresh token rejected, re-consent required"}
	ErrRefreshFailed       = &TokenError{Code: CodeRefreshFailed}
)

// CodeOf returns the ErrorCode carried by err, or "" when err is not a token error.
func CodeOf(err error) ErrorCode {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// NeedsReconsent reports whether err can only be fixed by running the consent
// flow again.
func NeedsReconsent(err error) bool {
	switch CodeOf(err) {
	case CodeNoRefreshToken, CodeInvalidRefreshToken:
		return true
	}
	return false
}

// RejectedError is what a RefreshFunc returns when the token endpoint answered
// with an error status.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("token endpoint rejected refresh: %d %s", e.Status, e.Message)
}

var invalidRefreshPattern = regexp.MustCompile(`(?i)invalid refresh token`)

// isInvalidRefresh reports whether err is the issuer saying the refresh token
// is unknown, consumed or revoked.
func isInvalidRefresh(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && (rej.Status == 400 || rej.Status == 401) && invalidRefreshPattern.MatchString(rej.Message)
}

// describe extracts a status and message from a refresh failure.
func describe(err error) (int, string) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Status, rej.Message
	}
	return 0, err.Error()
}
