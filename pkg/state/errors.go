package state

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrNotMember            = errors.New("not a group member")
	ErrEmptyUsername        = errors.New("username must not be empty")
	ErrAlreadyAuthenticated = errors.New("connection is already logged in")
	ErrUsernameTaken        = errors.New("username is bound to another connection")
	ErrSuperseded           = errors.New("session superseded by a newer login")
	ErrInvalidGroup         = errors.New("group needs a name and non-empty member names")
)
