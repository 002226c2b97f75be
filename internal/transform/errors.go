// Package transform maps raw provider records into storage models. Every
// function is stateless and handles exactly one record.
package transform

import "fmt"

// RecordTransformError marks one record that could not be mapped. The
// coordinator skips the record and keeps the rest of the batch.
type RecordTransformError struct {
	Source   string
	DataType string
	Index    int
	Err      error
}

func (e *RecordTransformError) Error() string {
	return fmt.Sprintf("%s %s record %d: %v", e.Source, e.DataType, e.Index, e.Err)
}

func (e *RecordTransformError) Unwrap() error { return e.Err }

func (e *RecordTransformError) Kind() string { return "transform" }

// ValidationError reports a field that fails a record invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func newValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
