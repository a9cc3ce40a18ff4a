package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrMissingCredentials  = errors.New("missing credentials")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrStaleTransition     = errors.New("chunk status changed concurrently")
	ErrJobBusy             = errors.New("job has chunks in flight")
	ErrNotChunked          = errors.New("job has not been chunked")
	ErrEmptyDocument       = errors.New("document has no translatable text")
	ErrNotFinalized        = errors.New("job output has not been generated")
)
