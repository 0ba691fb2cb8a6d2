package session

import "errors"

// Error codes surfaced to API clients. Each maps to one HTTP status in the
// proxy layer.
const (
	CodeNoCookies       = "no_cookies"
	CodeAuthExpired     = "auth_expired"
	CodeNetworkError    = "network_error"
	CodeDisabled        = "disabled"
	CodeAttachmentFetch = "attachment_fetch_error"
	CodeTranslation     = "translation_error"
	CodeBackendProtocol = "backend_protocol_error"
)

// Error is a coded failure. The code is stable API surface; the message is
// for humans and may change.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code, defaulting to network_error for
// uncoded failures so callers always have something to map.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeNetworkError
}
