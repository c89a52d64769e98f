package domain

import "errors"

var (
	// ErrMalformedFeed marks a document-level parse failure. The whole cycle
	// is abandoned; individual bad entries are skipped instead.
	ErrMalformedFeed = errors.New("malformed alert feed")

	// ErrInvalidPolicyValue is returned by filter mutators when the requested
	// value is not a member of the target vocabulary. The policy is unchanged.
	ErrInvalidPolicyValue = errors.New("invalid filter value")

	errMissingID = errors.New("entry has no id")
)
