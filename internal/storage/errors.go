package storage

import "errors"

// Sentinel errors returned by Gateway implementations. Handlers in
// internal/imapserver map these to IMAP response codes.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)
