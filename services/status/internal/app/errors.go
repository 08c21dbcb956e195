package app

import "errors"

var (
	// ErrValidation is returned when a request payload fails a field check.
	// The message is safe to show to clients.
	ErrValidation = errors.New("invalid request")

	// ErrNotMember is returned when the acting user does not belong to the
	// circle they are posting to or reading from.
	ErrNotMember = errors.New("not a member of this circle")

	// ErrForbidden is returned when the acting user is a member but lacks
	// the role the operation requires.
	ErrForbidden = errors.New("not allowed")

	ErrNotFound      = errors.New("not found")
	ErrCircleFull    = errors.New("circle is full")
	ErrAlreadyMember = errors.New("already a member")

	// ErrUnauthorized is returned for invalid or expired credentials.
	ErrUnauthorized = errors.New("invalid or expired token")
)
