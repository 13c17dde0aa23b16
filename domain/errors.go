package domain

import "errors"

var (
	// ErrForbidden indicates the acting user is not a member of the
	// project, or holds a role without the required permission.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the task does not exist or does not belong to
	// the project.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidInput indicates a rejected field value, such as an empty
	// title.
	ErrInvalidInput = errors.New("invalid input")
)
