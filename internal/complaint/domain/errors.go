package domain

import "errors"

var (
	// ErrResolutionDetailsRequired is returned when a complaint is moved to
	// resolved without a timeline entry carrying resolution details.
	ErrResolutionDetailsRequired = errors.New("resolving a complaint requires resolution details")
	ErrInvalidStatus             = errors.New("invalid complaint status")
)
