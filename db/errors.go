package db

import "errors"

var (
	// ErrDatabaseExists is returned when trying to create a collection that already exists
	ErrDatabaseExists = errors.New("collection already exists")

	// ErrDatabaseNotFound is returned when trying to access a non-existent collection
	ErrDatabaseNotFound = errors.New("collection not found")

	// ErrVectorNotFound is returned when trying to access a non-existent record
	ErrVectorNotFound = errors.New("record not found")

	// ErrInvalidDimensions is returned when vector dimensions don't match the collection configuration
	ErrInvalidDimensions = errors.New("invalid vector dimensions")

	ErrEmptyVector      = errors.New("vector is empty")
	ErrInvalidParameter = errors.New("invalid parameter")
)
