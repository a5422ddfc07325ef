package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/roach88/fragstore/internal/dberr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Storage or query failure
	ExitCommandError = 2 // Command error (bad config, missing schema, etc.)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric    = "E001"
	ErrCodeNotFound   = "E005"
	ErrCodeSchema     = "E006"
	ErrCodeQuery      = "E101"
	ErrCodeStorage    = "E201"
	ErrCodeConnection = "E202"
	ErrCodeOverload   = "E203"
	ErrCodeConflict   = "E204"
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// codeFor maps a storage error to its CLI error code.
func codeFor(err error) string {
	var dbErr *dberr.Error
	switch {
	case errors.Is(err, errNoSchema):
		return ErrCodeSchema
	case errors.Is(err, fs.ErrNotExist):
		return ErrCodeNotFound
	case !errors.As(err, &dbErr):
		return ErrCodeGeneric
	}
	switch dbErr.Kind {
	case dberr.QueryError:
		return ErrCodeQuery
	case dberr.ConnectionFailure:
		return ErrCodeConnection
	case dberr.TransientOverload:
		return ErrCodeOverload
	case dberr.ConcurrentUpdateConflict:
		return ErrCodeConflict
	case dberr.StorageFailure, dberr.IntegrityAnomaly:
		return ErrCodeStorage
	default:
		return ErrCodeGeneric
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result. text is printed in text mode, data
// is encoded in JSON mode.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.emit(CLIError{Code: code, Message: message, Details: details})
}

// Fail reports err and returns the ExitError the command should return.
// Errors carrying a storage kind exit with ExitFailure, others with
// ExitCommandError.
func (f *OutputFormatter) Fail(op string, err error) error {
	cliErr := CLIError{Code: codeFor(err), Message: fmt.Sprintf("%s: %v", op, err)}
	var dbErr *dberr.Error
	exit := ExitCommandError
	if errors.As(err, &dbErr) {
		cliErr.Kind = string(dbErr.Kind)
		if dbErr.SQL != "" {
			cliErr.Details = map[string]string{"sql": dbErr.SQL}
		}
		exit = ExitFailure
	}
	_ = f.emit(cliErr)
	return WrapExitError(exit, op, err)
}

func (f *OutputFormatter) emit(e CLIError) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: &e})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
	if f.Verbose && e.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", e.Details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
