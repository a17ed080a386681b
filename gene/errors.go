package gene

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPath is returned when a path does not name any gene.
	ErrUnknownPath = errors.New("gene: unknown path")

	// ErrSealed is returned by mutations issued after Manager.Seal.
	ErrSealed = errors.New("gene: manager is sealed")

	// ErrVectorLength is returned when a vector does not have one slot per gene.
	ErrVectorLength = errors.New("gene: vector length does not match gene count")

	// ErrStaleEpoch is returned when vectors produced under an older
	// range/value configuration are handed back to the manager.
	ErrStaleEpoch = errors.New("gene: vector belongs to a previous epoch")

	// ErrNotGrowable is returned by AddValue on anything but an open string gene.
	ErrNotGrowable = errors.New("gene: value table is not growable")
)

// SchemaError reports an invalid schema definition. It is raised while
// flattening and is never recoverable.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema error: %s", e.Message)
	}
	return fmt.Sprintf("schema error at %q: %s", e.Path, e.Message)
}

// NewSchemaError creates a new schema error.
func NewSchemaError(path, message string) *SchemaError {
	return &SchemaError{Path: path, Message: message}
}

// EncodingError reports a configuration value that cannot be placed into a
// gene slot.
type EncodingError struct {
	Path    string
	Message string
	Cause   error
}

func (e *EncodingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encoding error at %q: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("encoding error at %q: %s", e.Path, e.Message)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// NewEncodingError creates a new encoding error.
func NewEncodingError(path, message string, cause error) *EncodingError {
	return &EncodingError{Path: path, Message: message, Cause: cause}
}

// RangeError reports a range or candidate set rejected by a descriptor.
type RangeError struct {
	Path    string
	Message string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range error at %q: %s", e.Path, e.Message)
}

// NewRangeError creates a new range error.
func NewRangeError(path, message string) *RangeError {
	return &RangeError{Path: path, Message: message}
}
