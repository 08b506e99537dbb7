package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the table file does not exist.
	ErrNotFound = errors.New("dataset not found")

	// ErrUnknownSite is returned when a site has no rows in the table.
	ErrUnknownSite = errors.New("unknown site")

	// ErrNotFinite is returned for infinite cells. Missing values are
	// written as NA, never as Inf.
	ErrNotFinite = errors.New("value is not finite")

	// ErrSetup wraps failures of the Builder that produces a missing table.
	// Callers treat it as fatal.
	ErrSetup = errors.New("dataset setup failed")
)

// SiteError attaches the site identifier to a dataset error.
type SiteError struct {
	Site string
	Err  error
}

func (e *SiteError) Error() string {
	return fmt.Sprintf("site %q: %v", e.Site, e.Err)
}

func (e *SiteError) Unwrap() error {
	return e.Err
}

// ParseError reports a malformed cell with its 1-based line number.
type ParseError struct {
	Path   string
	Line   int
	Column string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: column %s: %v", e.Path, e.Line, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
