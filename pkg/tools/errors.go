package tools

import "errors"

var (
	// ErrInvalidTool rejects registration of a descriptor with no name,
	// no description, or no executable body.
	ErrInvalidTool = errors.New("invalid tool descriptor")

	// ErrToolNotFound is returned when neither the direct id nor any
	// MCP original name matches the requested tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrMissingParam is returned when a required parameter is absent.
	ErrMissingParam = errors.New("missing required parameter")

	// ErrTypeMismatch is returned when an argument does not satisfy the
	// declared primitive type.
	ErrTypeMismatch = errors.New("parameter type mismatch")

	// ErrEnumViolation is returned when an argument is outside the
	// declared enum values.
	ErrEnumViolation = errors.New("parameter outside allowed values")
)
