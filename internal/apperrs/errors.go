package apperrs

import "errors"

type Kind string

const (
	KindClient Kind = "client"
	KindServer Kind = "server"
)

// Validation codes are returned synchronously to the caller.
const (
	CodeUnknownPlatform     = "UnknownPlatform"
	CodeUnknownInstance     = "UnknownInstance"
	CodeUnknownBinding      = "UnknownBinding"
	CodeWrongPlatform       = "WrongPlatform"
	CodeAlreadyExists       = "AlreadyExists"
	CodeOperationInProgress = "OperationInProgress"
	CodeInvalidInput        = "InvalidInput"
	CodeInternalError       = "InternalError"
)

type Error struct {
	Kind Kind
	Code string
	Msg  string
	Meta map[string]any
	Err  error // wrapped error
}

func (e *Error) SetMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Client(code, msg string) *Error {
	return &Error{
		Kind: KindClient,
		Code: code,
		Msg:  msg,
		Meta: make(map[string]any),
	}
}

func Server(msg string, err error) *Error {
	return &Error{
		Kind: KindServer,
		Code: CodeInternalError,
		Msg:  msg,
		Err:  err,
	}
}

func CodeIs(err error, code string) bool {
	var appErr *Error
	if ok := errors.As(err, &appErr); ok {
		return appErr.Code == code
	}
	return false
}

// IsClient reports whether err carries a caller-visible validation failure.
func IsClient(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == KindClient
	}
	return false
}

// CodeOf returns the code of err, or CodeInternalError when err is not an *Error.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}
