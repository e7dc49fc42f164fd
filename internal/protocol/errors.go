package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChecksumMismatch is returned when a received payload does not match the
// checksum the device announced. It is never retried.
var ErrChecksumMismatch = errors.New("Checksum Mismatch")

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("timeout waiting for device")

// DeviceError is returned when the device answers a handshake with Fail.
// Message holds whatever text the device printed after the token.
type DeviceError struct {
	Token   Token
	Message string
}

func (e *DeviceError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("device replied %s", e.Token)
	}
	return fmt.Sprintf("device replied %s: %s", e.Token, msg)
}

// Code classifies the device text.
func (e *DeviceError) Code() ErrorCode { return ErrorCodeFrom(e.Message) }

// UnexpectedTokenError reports a token outside the set the handshake allows.
type UnexpectedTokenError struct {
	Got  Token
	Want []Token
}

func (e *UnexpectedTokenError) Error() string {
	return fmt.Sprintf("protocol: unexpected token %s (want %v)", e.Got, e.Want)
}

// TimeoutError carries the bytes received before the deadline passed.
type TimeoutError struct {
	Op      string
	Partial []byte
}

func (e *TimeoutError) Error() string {
	if len(e.Partial) == 0 {
		return fmt.Sprintf("protocol: %s: timeout waiting for device", e.Op)
	}
	return fmt.Sprintf("protocol: %s: timeout waiting for device, received %d bytes: %q",
		e.Op, len(e.Partial), e.Partial)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ── Error codes ───────────────────────────────────────────────────────────

// ErrorCode classifies a device-side failure for callers.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeStorageParam
	CodePathParam
	CodeStorageUnavailable
	CodeFileNotFound
	CodeFileOpen
	CodeUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeStorageParam:
		return "StorageParamError"
	case CodePathParam:
		return "PathParamError"
	case CodeStorageUnavailable:
		return "StorageUnavailable"
	case CodeFileNotFound:
		return "FileNotFound"
	case CodeFileOpen:
		return "FileOpenError"
	default:
		return "UnknownError"
	}
}

// ErrorCodeFrom maps the device's "Error N" text to an ErrorCode.
func ErrorCodeFrom(msg string) ErrorCode {
	switch {
	case strings.Contains(msg, "Error 1"):
		return CodeStorageParam
	case strings.Contains(msg, "Error 2"):
		return CodePathParam
	case strings.Contains(msg, "Error 3"):
		return CodeStorageUnavailable
	case strings.Contains(msg, "Error 4"):
		return CodeFileNotFound
	case strings.Contains(msg, "Error 5"):
		return CodeFileOpen
	default:
		return CodeUnknown
	}
}

// CodeOf returns the ErrorCode carried by err, CodeNone for nil and
// CodeUnknown for errors that did not come from the device.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code()
	}
	return CodeUnknown
}
