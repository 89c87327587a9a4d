package errors

import "errors"

// Catalog errors.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrAssetNotFound      = errors.New("asset not found")
)

// Remote/session errors.
var (
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrSessionExpired    = errors.New("session token expired")
)
