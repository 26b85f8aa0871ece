package errdefs

import "errors"

var (
	// ErrNotFound signals that the requested object doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParameter signals that the user input is invalid.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConflict signals that some internal state conflicts with the requested action
	// and can't be performed. A change in state should be able to clear this error.
	ErrConflict = errors.New("conflict")

	// ErrForbidden signals that the requested action cannot be performed under any circumstances.
	// When a ErrForbidden is returned, the caller should never retry the action.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized is used to signify that the caller is not authorized to perform a
	// specific action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformed signals that stored or uploaded content could not be decoded.
	ErrMalformed = errors.New("malformed content")

	// ErrNotConfigured signals that the action needs server-side configuration
	// which is absent, e.g. signing requested without a stored private key.
	ErrNotConfigured = errors.New("not configured")

	// ErrSystem signals that some internal error occurred.
	// An example of this would be a failed store operation.
	ErrSystem = errors.New("system error")

	// ErrCanceled signals that the action was canceled.
	ErrCanceled = errors.New("canceled")
)
