// Package rpcerr is the structured error shape shared by every worker.
package rpcerr

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeGeneric        = -32000
	CodeCallTimeout    = -32001
	CodeRateLimited    = 3000
)

// Error is a structured RPC error. Zero-valued optional fields are omitted
// from the wire form.
type Error struct {
	Code      int
	Message   string
	Symbol    string
	Domain    string
	Retryable *bool
	Details   any
	Data      map[string]any

	cause error
	stack []uintptr
}

type Option func(*Error)

func WithSymbol(symbol string) Option { return func(e *Error) { e.Symbol = symbol } }
func WithDomain(domain string) Option { return func(e *Error) { e.Domain = domain } }
func WithDetails(details any) Option  { return func(e *Error) { e.Details = details } }
func WithCause(err error) Option      { return func(e *Error) { e.cause = err } }

func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.Retryable = &retryable }
}

// WithData merges caller supplied fields into the wire data object. Named
// fields (domain, symbol, ...) win over keys given here.
func WithData(data map[string]any) Option {
	return func(e *Error) {
		if e.Data == nil {
			e.Data = make(map[string]any, len(data))
		}
		for k, v := range data {
			e.Data[k] = v
		}
	}
}

// New builds an Error and records the caller's stack.
func New(code int, message string, opts ...Option) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	e.stack = pcs[:n]
	return e
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Code, e.Symbol)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports the explicit retryable flag; unset means false.
func (e *Error) IsRetryable() bool { return e.Retryable != nil && *e.Retryable }

// Stack renders the captured call stack, one frame per line.
func (e *Error) Stack() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	frames := runtime.CallersFrames(e.stack)
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fmt.Fprintf(&sb, "\n    at %s (%s:%d)", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

func ParseError() *Error { return Protocol.Error("PARSE") }

func InvalidRequest(message string) *Error {
	e := Protocol.Error("INVALID_REQUEST")
	e.Message = message
	return e
}

func MethodNotFound(method string) *Error {
	return Protocol.Error("METHOD_NOT_FOUND", WithDetails(method))
}

func InvalidParams(details any) *Error {
	return Protocol.Error("INVALID_PARAMS", WithDetails(details))
}

func Internal(message string) *Error {
	e := Protocol.Error("INTERNAL")
	e.Message = message
	return e
}

func CallTimeout(method string, after fmt.Stringer) *Error {
	return Protocol.Error("CALL_TIMEOUT", WithDetails(fmt.Sprintf("%s exceeded %s", method, after)))
}

func RateLimited(key string, remaining float64) *Error {
	return RateLimit.Error("EXCEEDED", WithData(map[string]any{"key": key, "remaining": remaining}))
}

// StackMode controls whether wire errors carry a stack trace.
type StackMode struct {
	Full  bool
	Lines int
}

// ParseStackMode maps the errors_verbose setting: "" disables stacks, "full"
// keeps every frame, a number keeps that many lines and anything else keeps 5.
func ParseStackMode(s string) StackMode {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0", "false":
		return StackMode{}
	case "full":
		return StackMode{Full: true}
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return StackMode{Lines: n}
	}
	return StackMode{Lines: 5}
}

func (m StackMode) Enabled() bool { return m.Full || m.Lines > 0 }

// Wire is the JSON-RPC error object.
type Wire struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ToWire converts any error into its wire form. Errors that are not *Error
// map to the generic code.
func ToWire(err error, mode StackMode) Wire {
	if err == nil {
		return Wire{Code: CodeGeneric, Message: "Unknown error"}
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeGeneric, Message: err.Error()}
	}

	data := make(map[string]any, len(e.Data)+5)
	for k, v := range e.Data {
		data[k] = v
	}
	if e.Domain != "" {
		data["domain"] = e.Domain
	}
	if e.Symbol != "" {
		data["symbol"] = e.Symbol
	}
	if e.Retryable != nil {
		data["retryable"] = *e.Retryable
	}
	if e.Details != nil {
		data["details"] = e.Details
	}
	if mode.Enabled() && len(e.stack) > 0 {
		lines := strings.Split(e.Stack(), "\n")
		if !mode.Full && len(lines) > mode.Lines {
			lines = lines[:mode.Lines]
		}
		data["stack"] = strings.Join(lines, "\n")
	}

	w := Wire{Code: e.Code, Message: e.Message, Data: data}
	if w.Code == 0 {
		w.Code = CodeGeneric
	}
	if w.Message == "" {
		w.Message = "Error"
	}
	if len(data) == 0 {
		w.Data = nil
	}
	return w
}
