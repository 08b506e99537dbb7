package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zoey-rw/SOaP/internal/config"
	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/pipeline"
	"github.com/zoey-rw/SOaP/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A site or scenario failed
	ExitCommandError = 2 // Command error (invalid config, missing files, bad model)
)

// Error codes, unified across all commands. Model validation problems keep
// their own E12x codes.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeConfig       = "E002" // Invalid configuration
	ErrCodeDatasetSetup = "E003" // Dataset missing and could not be built
	ErrCodeParse        = "E004" // Malformed input file
	ErrCodeNotFound     = "E005" // Path, site or run not found
	ErrCodeModel        = "E006" // Model does not compile
	ErrCodeWriteFailed  = "E007" // File or database write error
	ErrCodeNotConverged = "E010" // Chains did not converge
	ErrCodeSiteFailed   = "E011" // Site failed at a pipeline stage
	ErrCodeScenario     = "E012" // Scenario failed
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode maps an error to its CLI error code.
func ErrorCode(err error) string {
	var (
		specErr    *model.SpecError
		compileErr *model.CompileError
		cfgErr     *config.Error
		parseErr   *dataset.ParseError
		ncErr      *pipeline.NotConvergedError
		siteErr    *pipeline.SiteError
	)
	switch {
	case errors.As(err, &specErr) && len(specErr.Errors) > 0:
		return specErr.Errors[0].Code
	case errors.As(err, &compileErr):
		return ErrCodeModel
	case errors.As(err, &cfgErr):
		return ErrCodeConfig
	case errors.Is(err, dataset.ErrSetup):
		return ErrCodeDatasetSetup
	case errors.As(err, &parseErr):
		return ErrCodeParse
	case errors.As(err, &ncErr):
		return ErrCodeNotConverged
	case errors.Is(err, dataset.ErrNotFound), errors.Is(err, dataset.ErrUnknownSite), errors.Is(err, store.ErrRunNotFound):
		return ErrCodeNotFound
	case errors.As(err, &siteErr):
		return ErrCodeSiteFailed
	default:
		return ErrCodeGeneric
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// JSON reports whether the formatter writes JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success outputs a successful result in the configured format. Text output
// prints data with fmt, so callers that want a table write it themselves.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail writes err with its error code and returns it as an ExitError with
// the given exit code.
func (f *OutputFormatter) Fail(exitCode int, message string, err error) error {
	var details any
	var specErr *model.SpecError
	if errors.As(err, &specErr) {
		details = specErr.Errors
	}
	_ = f.Error(ErrorCode(err), fmt.Sprintf("%s: %v", message, err), details)
	return WrapExitError(exitCode, message, err)
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}
