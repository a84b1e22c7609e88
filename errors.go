package readoutcard

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tags an Error with its category.  FifoFull and NoReadySuperpage
// are hot-path flow control and are expected during normal operation; every
// other kind indicates a fault.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorCardNotFound
	ErrorWrongBar
	ErrorBufferNotContiguous
	ErrorParameter
	ErrorFifoFull
	ErrorNoReadySuperpage
	ErrorMisalignedSize
	ErrorOutOfBuffer
	ErrorNotSupportedByFirmware
	ErrorBusyTimeout
	ErrorSca
	ErrorInvalidLinkID
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorCardNotFound:
		return "card not found"
	case ErrorWrongBar:
		return "wrong BAR"
	case ErrorBufferNotContiguous:
		return "buffer not contiguous"
	case ErrorParameter:
		return "invalid parameter"
	case ErrorFifoFull:
		return "FIFO full"
	case ErrorNoReadySuperpage:
		return "no ready superpage"
	case ErrorMisalignedSize:
		return "misaligned size"
	case ErrorOutOfBuffer:
		return "out of buffer"
	case ErrorNotSupportedByFirmware:
		return "not supported by firmware"
	case ErrorBusyTimeout:
		return "busy timeout"
	case ErrorSca:
		return "slow control error"
	case ErrorInvalidLinkID:
		return "invalid link id"
	default:
		return "unknown error"
	}
}

// ErrorContext is the diagnostic bag attached to an Error.  Fields are nil
// when not applicable.
type ErrorContext struct {
	Serial         *int32
	Address        *PciAddress
	BarIndex       *int
	RegisterIndex  *uint32
	PossibleCauses []string
}

func (c ErrorContext) String() string {
	var parts []string
	if c.Serial != nil {
		parts = append(parts, fmt.Sprintf("serial=%d", *c.Serial))
	}
	if c.Address != nil {
		parts = append(parts, fmt.Sprintf("address=%s", *c.Address))
	}
	if c.BarIndex != nil {
		parts = append(parts, fmt.Sprintf("bar=%d", *c.BarIndex))
	}
	if c.RegisterIndex != nil {
		parts = append(parts, fmt.Sprintf("register=0x%x", *c.RegisterIndex))
	}
	if len(c.PossibleCauses) > 0 {
		parts = append(parts, "possible causes: "+strings.Join(c.PossibleCauses, "; "))
	}
	return strings.Join(parts, ", ")
}

// Error is the tagged error type of the driver.  Use AsError or KindOf to
// recover the tag from a wrapped error chain.
type Error struct {
	Kind    ErrorKind
	Msg     string
	Context ErrorContext
	Err     error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if ctx := e.Context.String(); ctx != "" {
		s += " [" + ctx + "]"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, &Error{Kind: k}) works on
// wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Hot-path sentinels.  They carry no context to keep the push/pop paths
// allocation free.
var (
	ErrFifoFull         = &Error{Kind: ErrorFifoFull}
	ErrNoReadySuperpage = &Error{Kind: ErrorNoReadySuperpage}
)

// NewError makes a tagged error with a message.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError makes a tagged error wrapping an underlying cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the ErrorKind of err, or ErrorUnknown if err is not an
// Error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrorUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// WithSerial, WithAddress, WithBarIndex and WithRegisterIndex attach
// diagnostic context to an Error and return it for chaining.

func (e *Error) WithSerial(serial int32) *Error {
	e.Context.Serial = &serial
	return e
}

func (e *Error) WithAddress(addr PciAddress) *Error {
	e.Context.Address = &addr
	return e
}

func (e *Error) WithBarIndex(index int) *Error {
	e.Context.BarIndex = &index
	return e
}

func (e *Error) WithRegisterIndex(index uint32) *Error {
	e.Context.RegisterIndex = &index
	return e
}

func (e *Error) WithPossibleCauses(causes ...string) *Error {
	e.Context.PossibleCauses = append(e.Context.PossibleCauses, causes...)
	return e
}
