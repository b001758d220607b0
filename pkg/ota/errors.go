package ota

import (
	"errors"
	"fmt"
)

// Kind classifies a failed update cycle.
type Kind int

// Error kinds.
const (
	// KindNone is reported for nil errors.
	KindNone Kind = iota
	// KindConnection is a DNS, TCP or TLS failure.
	KindConnection
	// KindInfo is a malformed version response.
	KindInfo
	// KindFirmware is a failed download or a size or checksum mismatch.
	KindFirmware
	// KindOta is a failed erase, write or activation.
	KindOta
	// KindConfig is a missing or invalid setting.
	KindConfig
	// KindBusy is a check refused while another one runs.
	KindBusy
)

var kindNames = [...]string{
	KindNone:       "none",
	KindConnection: "connection",
	KindInfo:       "info",
	KindFirmware:   "firmware",
	KindOta:        "ota",
	KindConfig:     "config",
	KindBusy:       "busy",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failed update cycle.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ota %s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("ota %s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, KindNone for nil and
// KindOta for errors not raised by this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOta
}

var (
	// ErrHeaderTooLarge indicates the header/body boundary was not found
	// within the header buffer.
	ErrHeaderTooLarge = errors.New("header/body boundary not found")
	// ErrSizeMismatch indicates the streamed image is shorter than announced.
	ErrSizeMismatch = errors.New("firmware size mismatch")
	// ErrChecksumMismatch indicates the streamed image fails its CRC32.
	ErrChecksumMismatch = errors.New("firmware checksum mismatch")
	// ErrBusy indicates another check is in progress.
	ErrBusy = errors.New("update check already running")
)
