// Package db pkg/db/errors.go provides errors for the db package.

package db

import "errors"

var (
	// Core database errors.

	ErrFailedOpenDB    = errors.New("failed to open database")
	ErrFailedToInit    = errors.New("failed to initialize schema")
	ErrFailedToBeginTx = errors.New("failed to begin transaction")
	ErrFailedToQuery   = errors.New("failed to query")
	ErrFailedToScan    = errors.New("failed to scan")
	ErrFailedToInsert  = errors.New("failed to insert")
	ErrFailedToUpdate  = errors.New("failed to update")
	ErrFailedToDelete  = errors.New("failed to delete")

	// Domain errors.

	ErrNotFound        = errors.New("not found")
	ErrSelfLink        = errors.New("node link endpoints are the same node")
	ErrSessionTerminal = errors.New("capture session already finished")
)
