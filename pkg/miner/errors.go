package miner

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrUnreachable  = errors.New("unreachable")
	ErrProtocol     = errors.New("protocol error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotSupported = errors.New("not supported")
)

// Error carries the taxonomy kind plus the failing operation and address.
type Error struct {
	Kind error
	Op   string
	Addr string
	Err  error
	// Dial is set when the request never left this host, so re-sending it
	// cannot duplicate a side effect on the device.
	Dial bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Addr != "" {
		b.WriteString(e.Addr)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Unreachable wraps a network failure.
func Unreachable(op, addr string, err error) error {
	return &Error{Kind: ErrUnreachable, Op: op, Addr: addr, Err: err, Dial: isDialFailure(err)}
}

// Protocolf reports a response that does not match the vendor schema.
func Protocolf(op, addr, format string, args ...any) error {
	return &Error{Kind: ErrProtocol, Op: op, Addr: addr, Err: fmt.Errorf(format, args...)}
}

// Protocol wraps a decode failure.
func Protocol(op, addr string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Addr: addr, Err: err}
}

// Unauthorized reports rejected vendor credentials.
func Unauthorized(op, addr string) error {
	return &Error{Kind: ErrUnauthorized, Op: op, Addr: addr}
}

// NetworkError maps a transport error onto the taxonomy: network failures
// become Unreachable, everything else Protocol.
func NetworkError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	if IsNetworkFailure(err) {
		return Unreachable(op, addr, err)
	}
	return Protocol(op, addr, err)
}

func IsUnreachable(err error) bool  { return errors.Is(err, ErrUnreachable) }
func IsProtocol(err error) bool     { return errors.Is(err, ErrProtocol) }
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsDialFailure reports whether the request provably never reached the device.
func IsDialFailure(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Dial
	}
	return isDialFailure(err)
}

// KindOf names the taxonomy kind of err for logs and API payloads.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnreachable(err):
		return "unreachable"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsProtocol(err):
		return "protocol"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// IsNetworkFailure matches timeouts, refused or reset connections and
// premature EOF.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsDisconnect matches the "device hung up on us" family used by reboot endpoints.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "server closed idle connection") || strings.HasSuffix(msg, ": eof")
}

func isDialFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
