package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure that can be reported back to the user.
type Kind int

const (
	KindUnknown Kind = iota
	KindFileNotFound
	KindUnsupportedFormat
	KindInvalidImage
	KindEncodeFailed
	KindWriteFailed
	KindCancelled
	KindWatchFailed
	KindInvalidSettings
)

// String returns a short machine-friendly name for the kind.
func (k Kind) String() string {
	switch k {
	case KindFileNotFound:
		return "file_not_found"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindInvalidImage:
		return "invalid_image"
	case KindEncodeFailed:
		return "encode_failed"
	case KindWriteFailed:
		return "write_failed"
	case KindCancelled:
		return "cancelled"
	case KindWatchFailed:
		return "watch_failed"
	case KindInvalidSettings:
		return "invalid_settings"
	default:
		return "unknown"
	}
}

// Message returns the human-readable description shown to the user.
func (k Kind) Message() string {
	switch k {
	case KindFileNotFound:
		return "File not found"
	case KindUnsupportedFormat:
		return "Unsupported image format"
	case KindInvalidImage:
		return "File is not a valid image"
	case KindEncodeFailed:
		return "Image could not be compressed"
	case KindWriteFailed:
		return "Result could not be written"
	case KindCancelled:
		return "Operation cancelled"
	case KindWatchFailed:
		return "Folder watch failed"
	case KindInvalidSettings:
		return "Invalid settings"
	default:
		return "Unexpected error"
	}
}

// Error is a classified failure with an optional path and cause.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
// Context cancellation and deadline errors map to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
