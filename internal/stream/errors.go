package stream

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a MediaError.
type ErrorCode string

const (
	CodeBufferFull              ErrorCode = "BUFFER_FULL_ERROR"
	CodeBufferAppend            ErrorCode = "BUFFER_APPEND_ERROR"
	CodeBufferType              ErrorCode = "BUFFER_TYPE_UNKNOWN"
	CodeMediaTimeNotFound       ErrorCode = "MEDIA_TIME_NOT_FOUND"
	CodeMediaTimeBeforeManifest ErrorCode = "MEDIA_TIME_BEFORE_MANIFEST"
	CodeMediaTimeAfterManifest  ErrorCode = "MEDIA_TIME_AFTER_MANIFEST"
	CodeSegmentLoad             ErrorCode = "PIPELINE_LOAD_ERROR"
)

// MediaError is an error of the buffers, fatal or reported as a warning.
type MediaError struct {
	Code   ErrorCode
	Reason string
	Fatal  bool
	Err    error
}

func newMediaError(code ErrorCode, reason string, fatal bool, err error) *MediaError {
	return &MediaError{Code: code, Reason: reason, Fatal: fatal, Err: err}
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *MediaError) Unwrap() error { return e.Err }

// HasCode reports whether err is a MediaError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var me *MediaError
	return errors.As(err, &me) && me.Code == code
}
