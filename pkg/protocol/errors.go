package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of machine-readable error kinds surfaced
// at the core's boundaries. Hosts and the model key off the kind; the message
// is for humans.
type ErrorKind string

const (
	ErrConfig          ErrorKind = "ConfigError"
	ErrConnect         ErrorKind = "ConnectError"
	ErrAuth            ErrorKind = "AuthError"
	ErrUnsupported     ErrorKind = "UnsupportedDialectError"
	ErrQuery           ErrorKind = "QueryError"
	ErrTxState         ErrorKind = "TxStateError"
	ErrReadOnly        ErrorKind = "ReadOnlyError"
	ErrTimeout         ErrorKind = "TimeoutError"
	ErrCancelled       ErrorKind = "CancelledError"
	ErrInvalidToolCall ErrorKind = "InvalidToolCallError"
	ErrToolExecution   ErrorKind = "ToolExecutionError"
	ErrRiskRejected    ErrorKind = "RiskRejectedError"
	ErrLLMTransport    ErrorKind = "LLMTransportError"
	ErrLLMProtocol     ErrorKind = "LLMProtocolError"
	ErrRateLimit       ErrorKind = "RateLimitError"
	ErrCompression     ErrorKind = "CompressionError"
	ErrInternal        ErrorKind = "InternalError"
)

// CoreError carries a kind alongside the human message. Driver or provider
// specific detail is preserved in Detail for diagnosis.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *CoreError {
	e := &CoreError{Kind: kind, Message: message, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// KindOf extracts the error kind, defaulting to InternalError for errors
// raised outside the core's boundaries.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrInternal
}

// DetailOf converts any error into the FunctionResponse error shape.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return &ErrorDetail{Kind: ce.Kind, Message: ce.Message, Detail: ce.Detail}
	}
	return &ErrorDetail{Kind: ErrInternal, Message: err.Error()}
}
