package store

import "errors"

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrDocumentExists   = errors.New("document already exists")
	// ErrConcurrentModification means another writer advanced the document
	// first. Re-read the document and reapply.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrVersionOutOfSequence   = errors.New("version number does not follow expected current version")
)
