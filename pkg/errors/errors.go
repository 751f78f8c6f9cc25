package errors

import "errors"

var (
	ErrNotFound     = errors.New("entity not found")
	ErrEntityExists = errors.New("entity already exists")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEmptyKey     = errors.New("empty key")
	ErrValidation   = errors.New("validation failed")
)
