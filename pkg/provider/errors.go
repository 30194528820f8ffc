package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a required environment variable or
	// file is missing or malformed.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned when a named lookup has no answer.
	ErrNotFound = errors.New("not found")
	// ErrUnknownSystemType is returned for a system type no provider handles.
	ErrUnknownSystemType = errors.New("unknown system type")
)

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
