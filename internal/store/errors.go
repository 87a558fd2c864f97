package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate external id")
	ErrAlreadyLocked = errors.New("record lock held")
)
