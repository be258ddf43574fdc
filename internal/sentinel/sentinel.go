package sentinel

import "errors"

// Sentinel dependency errors. Stores and verifier clients should return these
// (optionally wrapped) so services can translate them into domain errors
// exactly once.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRefTaken     = errors.New("external reference taken")
	ErrRevisionMiss = errors.New("revision mismatch")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
)
