// Package transport establishes bounded, retrying byte streams to a
// remote endpoint, optionally secured by TLS.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/golang/glog"
)

// Defaults.
const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3
)

// Resolver resolves a hostname. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens a stream connection. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stack is the shared network stack handle: name resolution, dialing,
// the framing buffers and the cached TLS material.
type Stack struct {
	Resolver Resolver
	Dialer   Dialer
	// Timeout bounds connect, handshake and every single read/write.
	Timeout time.Duration
	// Retries bounds attempts of a single read/write.
	Retries int
	Certs   *CertCache
	Buffers *BufferPool
	// OnRetry is called for each retried read/write, with op "read" or "write".
	OnRetry func(op string)
}

// NewStack creates a Stack on the host network with the given TLS material.
// A nil certs means plain TCP.
func NewStack(certs *CertCache) *Stack {
	return &Stack{
		Resolver: net.DefaultResolver,
		Dialer:   &net.Dialer{},
		Timeout:  DefaultTimeout,
		Retries:  DefaultRetries,
		Certs:    certs,
		Buffers:  NewBufferPool(RXBufferSize, TXBufferSize),
	}
}

// Acquire takes the network lock without opening a Session, for
// collaborators running their own protocol clients.
func (s *Stack) Acquire(ctx context.Context) (func(), error) {
	return s.Buffers.Acquire(ctx)
}

func (s *Stack) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *Stack) retries() int {
	if s.Retries > 0 {
		return s.Retries
	}
	return DefaultRetries
}

// Connect resolves hostname, connects and, unless the mode is plain,
// completes a TLS handshake. The returned Session owns the shared buffers
// until it is closed.
func (s *Stack) Connect(ctx context.Context, hostname string, port uint16) (*Session, error) {
	release, err := s.Buffers.Acquire(ctx)
	if err != nil {
		return nil, newError(SocketConnectionError, err)
	}
	sess, err := s.connect(ctx, hostname, port)
	if err != nil {
		release()
		return nil, err
	}
	sess.release = release
	sess.r = s.Buffers.r
	sess.w = s.Buffers.w
	sess.r.Reset(sess.conn)
	sess.w.Reset(sess.conn)
	return sess, nil
}

func (s *Stack) connect(ctx context.Context, hostname string, port uint16) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	addrs, err := s.Resolver.LookupHost(ctx, hostname)
	if err != nil {
		return nil, newError(DNSLookupFailed, err)
	}
	if len(addrs) == 0 {
		return nil, newError(DNSLookupFailed, nil)
	}
	addr := net.JoinHostPort(addrs[0], strconv.Itoa(int(port)))

	glog.Infof("connecting TCP socket to %s:%d (%s)", hostname, port, addr)
	raw, err := s.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(SocketConnectionError, err)
	}
	glog.V(2).Info("TCP connected")

	sess := &Session{stack: s, raw: raw, conn: raw}
	if s.Certs.Mode() == ModePlain {
		return sess, nil
	}

	conf, err := s.Certs.ClientConfig(hostname)
	if err != nil {
		raw.Close()
		return nil, err
	}
	tlsConn := tls.Client(raw, conf)
	glog.Infof("starting TLS handshake with %s", hostname)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logHandshakeFailure(hostname, err)
		abort(raw)
		return nil, newError(TLSHandshakeFailed, err)
	}
	state := tlsConn.ConnectionState()
	glog.Infof("TLS handshake complete: %s, %s", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	sess.tls, sess.conn = tlsConn, tlsConn
	return sess, nil
}

func logHandshakeFailure(hostname string, err error) {
	glog.Errorf("TLS handshake with %s failed: %v", hostname, err)
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		alert            tls.AlertError
		recordHeader     tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &unknownAuthority):
		glog.Error("server certificate is not signed by the configured CA")
	case errors.As(err, &hostnameErr):
		glog.Errorf("server certificate is not valid for %s", hostname)
	case errors.As(err, &invalidCert):
		glog.Errorf("server certificate is invalid: reason %d", invalidCert.Reason)
	case errors.As(err, &alert):
		glog.Errorf("peer sent alert %v: cipher suite or protocol version mismatch", alert)
	case errors.As(err, &recordHeader):
		glog.Error("peer did not answer with a TLS record, is the port serving TLS?")
	case isTimeout(err):
		glog.Error("handshake timed out")
	}
}

func abort(conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	return conn.Close()
}
