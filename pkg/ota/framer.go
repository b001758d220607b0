package ota

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/robotalks/sensornode/pkg/transport"
)

// Request paths and framing.
const (
	VersionPath  = "/version"
	FirmwarePath = "/firmware"

	// HeaderBufferSize bounds the response header and the version body.
	HeaderBufferSize = 256
)

var headerEnd = []byte("\r\n\r\n")

// VersionInfo is the parsed version response.
type VersionInfo struct {
	// Version is the raw remote version line.
	Version string
	CRC32   uint32
	Size    int
}

// WriteRequest sends a minimal GET request for path on behalf of deviceID.
// The connection is always requested to close after the response.
func WriteRequest(w io.Writer, path, deviceID, hostname string) error {
	req := "GET " + path + "?device=" + deviceID + " HTTP/1.1\r\n" +
		"Host: " + hostname + "\r\n" +
		"Connection: close\r\n\r\n"
	_, err := io.WriteString(w, req)
	return err
}

// FindHeaderEnd returns the offset of the first body byte, or -1 if the
// header/body boundary is not in buf.
func FindHeaderEnd(buf []byte) int {
	if i := bytes.Index(buf, headerEnd); i >= 0 {
		return i + len(headerEnd)
	}
	return -1
}

// ReadHeader reads from r into buf until the header/body boundary is found.
// It returns the number of bytes read and the offset of the body within
// buf[:n]. A full buffer without a boundary is ErrHeaderTooLarge; the
// stream ending first is io.ErrUnexpectedEOF.
func ReadHeader(r io.Reader, buf []byte) (n, body int, err error) {
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if m > 0 {
			// the boundary may straddle two reads
			from := n - len(headerEnd) + 1
			if from < 0 {
				from = 0
			}
			n += m
			if i := FindHeaderEnd(buf[from:n]); i >= 0 {
				return n, from + i, nil
			}
		}
		if err == io.EOF || (m == 0 && err == nil) {
			return n, -1, io.ErrUnexpectedEOF
		}
		if err != nil {
			return n, -1, err
		}
	}
	return n, -1, ErrHeaderTooLarge
}

// ReadBody reads the rest of a short response body into buf[n:] until the
// stream ends or buf is full, and returns the total bytes in buf.
func ReadBody(r io.Reader, buf []byte, n int) (int, error) {
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err == io.EOF || (m == 0 && err == nil) {
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ParseVersionInfo parses the three newline-delimited fields of a version
// response body: the version, the decimal CRC32 and the decimal size.
// Surrounding whitespace of each line is ignored.
func ParseVersionInfo(body []byte) (*VersionInfo, error) {
	lines := strings.Split(string(body), "\n")
	field := func(i int, name string) (string, error) {
		if i >= len(lines) {
			return "", fmt.Errorf("missing %s line", name)
		}
		s := strings.TrimSpace(lines[i])
		if s == "" {
			return "", fmt.Errorf("empty %s line", name)
		}
		return s, nil
	}
	version, err := field(0, "version")
	if err != nil {
		return nil, err
	}
	crcStr, err := field(1, "crc32")
	if err != nil {
		return nil, err
	}
	sizeStr, err := field(2, "size")
	if err != nil {
		return nil, err
	}
	crc, err := strconv.ParseUint(crcStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid crc32 %q: %w", crcStr, err)
	}
	size, err := strconv.ParseUint(sizeStr, 10, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", sizeStr, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("invalid size 0")
	}
	return &VersionInfo{Version: version, CRC32: uint32(crc), Size: int(size)}, nil
}

// streamReader reports the end-of-stream family of transport errors as io.EOF.
type streamReader struct {
	r io.Reader
}

func (s streamReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && transport.IsEndOfStream(err) {
		return n, io.EOF
	}
	return n, err
}
