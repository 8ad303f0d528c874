package errcode

import (
	"context"
	"errors"
)

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	InvalidState   Code = "invalid_state"
	Timeout        Code = "timeout"
	Canceled       Code = "canceled"
	Unavailable    Code = "unavailable"

	// Codec
	BusUnresponsive Code = "bus_unresponsive"
	OutOfRange      Code = "out_of_range"
	UnsupportedRate Code = "unsupported_rate"

	// Buffer
	Overflow Code = "overflow"

	// Capture
	SourceDisconnected Code = "source_disconnected"

	// Configuration
	ConfigRejected Code = "config_rejected"

	Error Code = "error" // generic fallback
)

// Class groups codes by the subsystem that raises them.
type Class uint8

const (
	ClassGeneric Class = iota
	ClassCodec
	ClassBuffer
	ClassCapture
	ClassConfig
)

func (c Class) String() string {
	switch c {
	case ClassCodec:
		return "codec"
	case ClassBuffer:
		return "buffer"
	case ClassCapture:
		return "capture"
	case ClassConfig:
		return "config"
	default:
		return "generic"
	}
}

// ClassOf reports the class a code belongs to.
func ClassOf(c Code) Class {
	switch c {
	case BusUnresponsive, OutOfRange, UnsupportedRate:
		return ClassCodec
	case Overflow:
		return ClassBuffer
	case SourceDisconnected:
		return ClassCapture
	case ConfigRejected:
		return ClassConfig
	default:
		return ClassGeneric
	}
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += " (" + e.Err.Error() + ")"
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.OutOfRange) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New returns an E without a cause.
func New(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Wrap returns an E carrying err as its cause.
func Wrap(c Code, op string, err error) *E { return &E{C: c, Op: op, Err: err} }

// Of extracts a Code from an error, defaulting to Error.
// Wrapped and joined errors are searched; the first coded error wins.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// MapDriverErr maps low-level driver errors to a Code.
// Extend the heuristics per platform/driver.
func MapDriverErr(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	if c := Of(err); c != Error {
		return c
	}
	return Error
}
