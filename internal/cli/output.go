package cli

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/dagizoltan/kvrepo"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the repository rejected the operation (validation, not found, conflict)
	ExitCommandError = 2 // bad arguments, unreadable config, storage failure
)

// ExitError carries the process exit code of a failed command.
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

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

// repoError turns a failed repository result into an ExitError. Persistence
// failures are command errors; the other kinds are operation failures.
func repoError(message string, err *kvrepo.Error) *ExitError {
	if err.Kind == kvrepo.KindPersistence {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

var outputJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// CLIResponse is the JSON envelope written in --format json mode.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data. In text mode records are printed as indented JSON
// and strings verbatim.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return outputJSON.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if s, ok := data.(string); ok {
		_, err := fmt.Fprintln(f.Writer, s)
		return err
	}
	raw, err := outputJSON.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.Writer, string(raw))
	return err
}

// Failure writes a repository error and returns the matching ExitError.
func (f *OutputFormatter) Failure(message string, err *kvrepo.Error) error {
	if f.Format == "json" {
		var details any
		if len(err.Issues) > 0 {
			details = err.Issues
		}
		if encErr := outputJSON.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: string(err.Kind), Message: err.Error(), Details: details},
		}); encErr != nil {
			return encErr
		}
	}
	return repoError(message, err)
}
