package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceLoad matches every resolution failure.
	ErrResourceLoad = errors.New("failed to load resource")

	// ErrMalformedLocator indicates an IRI that cannot be parsed.
	ErrMalformedLocator = errors.New("malformed locator")

	// ErrUnsupportedScheme indicates no loader is registered for the IRI scheme.
	ErrUnsupportedScheme = errors.New("unsupported locator scheme")

	// ErrUnreachable indicates the referenced file or remote object could not be read.
	ErrUnreachable = errors.New("resource unreachable")

	// ErrAmbiguousMediaType indicates the media type could not be determined
	// and no override was given.
	ErrAmbiguousMediaType = errors.New("ambiguous media type")
)

// LoadError describes a failed resolution of a single locator.
type LoadError struct {
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%v %q: %v", ErrResourceLoad, e.Locator, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrResourceLoad, e.Err}
}
