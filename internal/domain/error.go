package domain

import "errors"

var (
	ErrNotFound = errors.New("item not found")
	ErrExpired  = errors.New("item expired")
	ErrConflict = errors.New("item conflicts with the stored one")
)
