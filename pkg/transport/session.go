package transport

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/golang/glog"
)

// Session is an open byte stream produced by one Connect. It is owned by
// its creator and must be closed on every path.
type Session struct {
	stack   *Stack
	raw     net.Conn
	tls     *tls.Conn
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	release func()
	closed  bool
}

// IsTLS reports whether the session is secured.
func (s *Session) IsTLS() bool {
	return s.tls != nil
}

func (s *Session) deadline() time.Time {
	return time.Now().Add(s.stack.timeout())
}

func (s *Session) retried(op string, attempt int, err error) {
	glog.Warningf("%s attempt %d failed: %v", op, attempt, err)
	if fn := s.stack.OnRetry; fn != nil {
		fn(op)
	}
}

// Read implements io.Reader. Transient failures are retried; end of stream
// is returned as io.EOF or a StreamError whose IsEndOfStream is true, and
// is never retried.
func (s *Session) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	retries := s.stack.retries()
	for attempt := 1; ; attempt++ {
		s.conn.SetReadDeadline(s.deadline())
		n, err := s.r.Read(p)
		if n > 0 || err == nil {
			glog.V(3).Infof("read %d bytes", n)
			return n, nil
		}
		if err == io.EOF {
			glog.V(2).Info("read: end of stream")
			return 0, io.EOF
		}
		if classifyEOF(err) {
			glog.V(2).Infof("read: connection closed: %v", err)
			return 0, &StreamError{Op: "read", Err: err, eof: true}
		}
		if isTimeout(err) || attempt >= retries {
			return 0, &StreamError{Op: "read", Err: err}
		}
		s.retried("read", attempt, err)
	}
}

// Write implements io.Writer. Every successful write is flushed to the
// connection before returning. A retry resumes after the bytes the
// connection already accepted.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	retries := s.stack.retries()
	var sent int
	for attempt := 1; ; attempt++ {
		s.conn.SetWriteDeadline(s.deadline())
		n, err := s.w.Write(p[sent:])
		if err == nil {
			err = s.w.Flush()
		}
		if err == nil {
			glog.V(3).Infof("wrote %d bytes", len(p))
			return len(p), nil
		}
		// Whatever is still buffered never reached the connection.
		sent += n - s.w.Buffered()
		eof := classifyEOF(err)
		if eof || isTimeout(err) || attempt >= retries {
			return sent, &StreamError{Op: "write", Err: err, eof: eof}
		}
		s.retried("write", attempt, err)
		// bufio.Writer keeps the first error.
		s.w.Reset(s.conn)
	}
}

// WriteString writes s.
func (s *Session) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Close terminates the session. TLS sessions send close-notify first and
// abort the socket if that fails. Buffers are released in all cases.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.release()

	if s.tls == nil {
		glog.V(2).Info("closing TCP socket")
		return s.raw.Close()
	}
	s.raw.SetDeadline(s.deadline())
	if err := s.tls.CloseWrite(); err != nil {
		glog.Warningf("TLS close failed: %v, aborting socket", err)
		return abort(s.raw)
	}
	glog.V(2).Info("TLS close_notify sent, closing TCP socket")
	return s.raw.Close()
}
