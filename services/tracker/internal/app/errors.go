package app

import (
	"errors"
	"fmt"
)

var (
	ErrEmailRequired        = errors.New("Email is required")
	ErrNameAndEmailRequired = errors.New("Name and email are required")

	// ErrUserExists is returned by Signup and UpdateUser when the email is
	// already registered to another user.
	ErrUserExists = errors.New("User with this email already exists")

	ErrUserNotFound   = errors.New("User not found")
	ErrTopicNotFound  = errors.New("Topic not found")
	ErrUploadNotFound = errors.New("File not found")

	ErrNoFile       = errors.New("No file uploaded")
	ErrFileTooLarge = errors.New("File exceeds the upload size limit")
)

// ValidationError reports a malformed request the caller has to correct.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a client-correctable input error.
func IsValidation(err error) bool {
	var v *ValidationError
	if errors.As(err, &v) {
		return true
	}
	return errors.Is(err, ErrEmailRequired) ||
		errors.Is(err, ErrNameAndEmailRequired) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrNoFile) ||
		errors.Is(err, ErrFileTooLarge)
}

// IsNotFound reports whether err names a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrUploadNotFound)
}
