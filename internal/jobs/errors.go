package jobs

import (
	"errors"
	"fmt"

	"sentiment-pipeline/internal/models"
)

// AuthenticationError reports that no usable credential could be resolved for a subtask.
type AuthenticationError struct {
	SubTaskID int64
	Msg       string
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NewAuthenticationError wraps err unless it already is an AuthenticationError.
func NewAuthenticationError(subTaskID int64, msg string, err error) error {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	return &AuthenticationError{SubTaskID: subTaskID, Msg: msg, Err: err}
}

// IsAuthenticationError reports whether err is or wraps an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// ConfigurationError reports a wiring defect, such as a subtask type with no processor.
type ConfigurationError struct {
	Type models.SubTaskType
	Msg  string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

// NewUnknownTypeError names the subtask type that has no registered processor.
func NewUnknownTypeError(t models.SubTaskType) error {
	return &ConfigurationError{
		Type: t,
		Msg:  fmt.Sprintf("no processor registered for subtask type %q", t),
	}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
