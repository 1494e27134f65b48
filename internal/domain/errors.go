package domain

import "errors"

var (
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrBroadcastUnsupported = errors.New("broadcast channel unsupported")
	ErrWatchUnsupported     = errors.New("storage change notifications unsupported")
	ErrMalformedLease       = errors.New("malformed lease record")
	ErrSessionIDRequired    = errors.New("session id is required")
)
