package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies connection establishment failures.
type ErrorKind int

// Connection error kinds.
const (
	DNSLookupFailed ErrorKind = iota + 1
	SocketConnectionError
	TLSHandshakeFailed
	CACertificateMissing
	ClientCertificateMissing
	ClientPrivateKeyMissing
	PEMParseError
)

var kindNames = map[ErrorKind]string{
	DNSLookupFailed:          "dns lookup failed",
	SocketConnectionError:    "socket connection error",
	TLSHandshakeFailed:       "tls handshake failed",
	CACertificateMissing:     "ca certificate missing",
	ClientCertificateMissing: "client certificate missing",
	ClientPrivateKeyMissing:  "client private key missing",
	PEMParseError:            "pem parse error",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error implements error so a kind can be used as a sentinel with errors.Is.
func (k ErrorKind) Error() string {
	return k.String()
}

var (
	// ErrDNSLookupFailed is matched by errors.Is for DNSLookupFailed errors.
	ErrDNSLookupFailed error = DNSLookupFailed
	// ErrSocketConnection is matched by errors.Is for SocketConnectionError errors.
	ErrSocketConnection error = SocketConnectionError
	// ErrTLSHandshakeFailed is matched by errors.Is for TLSHandshakeFailed errors.
	ErrTLSHandshakeFailed error = TLSHandshakeFailed
	// ErrCACertificateMissing indicates no CA material is configured.
	ErrCACertificateMissing error = CACertificateMissing
	// ErrClientCertificateMissing indicates mutual TLS without a client certificate.
	ErrClientCertificateMissing error = ClientCertificateMissing
	// ErrClientPrivateKeyMissing indicates mutual TLS without a private key.
	ErrClientPrivateKeyMissing error = ClientPrivateKeyMissing
	// ErrPEMParse indicates malformed PEM or DER material.
	ErrPEMParse error = PEMParseError

	// ErrSessionClosed is returned when a closed Session is used.
	ErrSessionClosed = errors.New("session closed")
)

// Error is a connection establishment failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the ErrorKind sentinels.
func (e *Error) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// StreamError is a read or write failure on an open Session.
type StreamError struct {
	Op  string
	Err error

	eof bool
}

// Error implements error.
func (e *StreamError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsEndOfStream reports whether the peer closed the stream.
func (e *StreamError) IsEndOfStream() bool {
	return e.eof
}

// IsEndOfStream reports whether err marks the end of a stream rather than a
// failure: io.EOF or any error carrying an IsEndOfStream() predicate that
// returns true.
func IsEndOfStream(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var eos interface{ IsEndOfStream() bool }
	if errors.As(err, &eos) {
		return eos.IsEndOfStream()
	}
	return false
}

func classifyEOF(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
