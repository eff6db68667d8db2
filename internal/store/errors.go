package store

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrVersionConflict = errors.New("sync version changed concurrently")
	ErrEntryImmutable  = errors.New("sync log entry already synced")
)
