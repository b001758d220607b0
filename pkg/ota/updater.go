// Package ota checks an update server for newer firmware, streams it into
// the spare flash partition and reboots into it.
package ota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/metrics"
	"github.com/robotalks/sensornode/pkg/semver"
	"github.com/robotalks/sensornode/pkg/transport"
)

// DefaultRebootDelay lets logs drain before the reset.
const DefaultRebootDelay = time.Second

// Config is the updater configuration.
type Config struct {
	DeviceID       string
	Hostname       string
	Port           uint16
	CurrentVersion string
	RebootDelay    time.Duration
}

// Validate checks required settings.
func (c *Config) Validate() error {
	switch {
	case c.Hostname == "":
		return newError(KindConfig, "validate", errors.New("update server hostname not set"))
	case c.Port == 0:
		return newError(KindConfig, "validate", errors.New("update server port not set"))
	case c.DeviceID == "":
		return newError(KindConfig, "validate", errors.New("device id not set"))
	case c.CurrentVersion == "":
		return newError(KindConfig, "validate", errors.New("current version not set"))
	}
	return nil
}

// Option configures an Updater.
type Option func(*Updater)

// WithWriter replaces the flash writer.
func WithWriter(w *flash.Writer) Option {
	return func(u *Updater) {
		u.writer = w
	}
}

// WithRebooter replaces the reboot primitive.
func WithRebooter(r Rebooter) Option {
	return func(u *Updater) {
		u.rebooter = r
	}
}

// WithMetrics records check results and written bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Updater) {
		u.metrics = m
	}
}

// Updater runs update checks. Checks are serialized; a check requested
// while another runs fails with ErrBusy.
type Updater struct {
	config   Config
	stack    *transport.Stack
	table    flash.Table
	writer   *flash.Writer
	rebooter Rebooter
	metrics  *metrics.Metrics

	lock      sync.Mutex
	headerBuf [HeaderBufferSize]byte

	statusLock sync.RWMutex
	status     Status
}

// New creates an Updater. TLS material is decoded here once so missing
// credentials surface as a Config error at startup.
func New(conf Config, stack *transport.Stack, table flash.Table, opts ...Option) (*Updater, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.RebootDelay <= 0 {
		conf.RebootDelay = DefaultRebootDelay
	}
	if stack.Certs.Mode() != transport.ModePlain {
		if _, err := stack.Certs.Material(); err != nil {
			return nil, newError(KindConfig, "load tls material", err)
		}
	}
	u := &Updater{
		config:   conf,
		stack:    stack,
		table:    table,
		rebooter: ExitRebooter{},
		status:   Status{Version: conf.CurrentVersion},
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.writer == nil {
		u.writer = flash.NewWriter()
	}
	return u, nil
}

// MarkValid marks the running image valid so the bootloader does not roll
// it back. It must run once at startup before the first check.
func (u *Updater) MarkValid() error {
	state, err := u.table.ImageState()
	if err != nil {
		return newError(KindOta, "read image state", err)
	}
	if state == flash.StateValid {
		return nil
	}
	if err := u.table.SetImageState(flash.StateValid); err != nil {
		return newError(KindOta, "mark image valid", err)
	}
	glog.Infof("running image %s marked valid (was %s)", u.config.CurrentVersion, state)
	return nil
}

// Status returns a snapshot of the updater.
func (u *Updater) Status() Status {
	u.statusLock.RLock()
	defer u.statusLock.RUnlock()
	return u.status
}

func (u *Updater) setState(s State) {
	u.statusLock.Lock()
	u.status.State = s
	u.statusLock.Unlock()
	glog.V(2).Infof("ota state: %s", s)
}

func (u *Updater) finish(result string, err error) {
	u.statusLock.Lock()
	u.status.LastCheck = time.Now()
	u.status.Checks++
	u.status.LastResult = result
	u.status.LastError = ""
	if err != nil {
		u.status.LastError = err.Error()
		u.status.State = StateFailed
	} else if u.status.State != StateRebooting {
		u.status.State = StateIdle
	}
	u.statusLock.Unlock()
	u.metrics.ObserveCheck(result)
}

// CheckForUpdate runs one update cycle. It returns nil when no update is
// needed or the versions cannot be compared. When a new image has been
// written and activated, the rebooter is invoked once the check lock is
// released and, on a real device, the call does not return. All failures
// are returned as *Error after every session is closed.
func (u *Updater) CheckForUpdate(ctx context.Context) error {
	if !u.lock.TryLock() {
		u.metrics.ObserveCheck(ResultBusy)
		return newError(KindBusy, "check", ErrBusy)
	}

	result, err := u.check(ctx)
	if err != nil {
		result = KindOf(err).String()
		glog.Errorf("firmware update failed: %v", err)
	}
	u.finish(result, err)
	u.lock.Unlock()

	if result == ResultUpdated {
		u.reboot()
	}
	return err
}

func (u *Updater) check(ctx context.Context) (string, error) {
	u.setState(StateCheckingVersion)
	info, err := u.fetchVersionInfo(ctx)
	if err != nil {
		return "", err
	}
	u.statusLock.Lock()
	u.status.RemoteVersion = info.Version
	u.statusLock.Unlock()

	local, ok := semver.Parse(u.config.CurrentVersion)
	if !ok {
		glog.Infof("cannot parse current version %q, skipping update", u.config.CurrentVersion)
		u.setState(StateNoUpdateNeeded)
		return ResultSkipped, nil
	}
	remote, ok := semver.Parse(info.Version)
	if !ok {
		glog.Infof("cannot parse remote version %q, skipping update", info.Version)
		u.setState(StateNoUpdateNeeded)
		return ResultSkipped, nil
	}
	if !remote.IsGreaterThan(local) {
		if remote.Equal(local) {
			glog.Infof("already running latest version %s", local)
		} else {
			glog.Infof("remote version %s is not newer than %s", remote, local)
		}
		u.setState(StateNoUpdateNeeded)
		return ResultNoUpdate, nil
	}

	glog.Infof("upgrading from %s to %s (%d bytes)", local, remote, info.Size)
	if err := u.download(ctx, info); err != nil {
		return "", err
	}
	if err := u.activate(); err != nil {
		return "", err
	}
	u.setState(StateRebooting)
	return ResultUpdated, nil
}

func connectError(err error) *Error {
	for _, target := range []error{
		transport.ErrCACertificateMissing,
		transport.ErrClientCertificateMissing,
		transport.ErrClientPrivateKeyMissing,
		transport.ErrPEMParse,
	} {
		if errors.Is(err, target) {
			return newError(KindConfig, "connect", err)
		}
	}
	return newError(KindConnection, "connect", err)
}

func (u *Updater) fetchVersionInfo(ctx context.Context) (*VersionInfo, error) {
	sess, err := u.stack.Connect(ctx, u.config.Hostname, u.config.Port)
	if err != nil {
		return nil, connectError(err)
	}
	defer sess.Close()
	glog.V(2).Infof("connected to %s:%d (tls=%v)", u.config.Hostname, u.config.Port, sess.IsTLS())

	if err := WriteRequest(sess, VersionPath, u.config.DeviceID, u.config.Hostname); err != nil {
		return nil, newError(KindConnection, "send version request", err)
	}
	r := streamReader{sess}
	buf := u.headerBuf[:]
	n, body, err := ReadHeader(r, buf)
	if err != nil {
		return nil, newError(KindInfo, "read version header", err)
	}
	if n, err = ReadBody(r, buf, n); err != nil {
		return nil, newError(KindInfo, "read version body", err)
	}
	info, err := ParseVersionInfo(buf[body:n])
	if err != nil {
		return nil, newError(KindInfo, "parse version", err)
	}
	glog.V(2).Infof("remote version %s, crc32 %d, size %d", info.Version, info.CRC32, info.Size)
	return info, nil
}

func (u *Updater) download(ctx context.Context, info *VersionInfo) error {
	part, err := u.table.NextPartition()
	if err != nil {
		return newError(KindOta, "find next partition", err)
	}
	if flash.RoundUp(info.Size, flash.PageSize) > int(part.Size()) {
		return newError(KindOta, "check image size",
			errors.New("image does not fit partition "+part.Label()))
	}

	u.setState(StateDownloading)
	sess, err := u.stack.Connect(ctx, u.config.Hostname, u.config.Port)
	if err != nil {
		return connectError(err)
	}
	defer sess.Close()

	if err := WriteRequest(sess, FirmwarePath, u.config.DeviceID, u.config.Hostname); err != nil {
		return newError(KindConnection, "send firmware request", err)
	}
	r := streamReader{sess}
	buf := u.headerBuf[:]
	n, body, err := ReadHeader(r, buf)
	if err != nil {
		return newError(KindFirmware, "read firmware header", err)
	}

	u.setState(StateFlashing)
	if err := u.writer.Erase(part, info.Size); err != nil {
		return newError(KindOta, "erase", err)
	}
	res, err := u.writer.WriteStream(part, r, info.Size, buf[body:n])
	u.metrics.AddBytesWritten(res.Written)
	if err != nil {
		var readErr *flash.ReadError
		if errors.As(err, &readErr) {
			return newError(KindFirmware, "download", err)
		}
		return newError(KindOta, "write", err)
	}
	if res.Written != info.Size {
		glog.Errorf("firmware size mismatch: wrote %d of %d bytes", res.Written, info.Size)
		return newError(KindFirmware, "verify size", ErrSizeMismatch)
	}
	if res.CRC32 != info.CRC32 {
		glog.Errorf("firmware crc32 mismatch: got %d, expected %d", res.CRC32, info.CRC32)
		return newError(KindFirmware, "verify crc32", ErrChecksumMismatch)
	}
	glog.Infof("firmware written and verified (%d bytes)", res.Written)
	if err := sess.Close(); err != nil {
		glog.Warningf("closing firmware session: %v", err)
	}
	return nil
}

func (u *Updater) activate() error {
	u.setState(StateActivating)
	if err := u.table.ActivateNext(); err != nil {
		return newError(KindOta, "activate", err)
	}
	if err := u.table.SetImageState(flash.StateNew); err != nil {
		return newError(KindOta, "set image state", err)
	}
	return nil
}

func (u *Updater) reboot() {
	glog.Infof("update complete, rebooting in %s", u.config.RebootDelay)
	time.Sleep(u.config.RebootDelay)
	glog.Flush()
	u.rebooter.Reboot()
}
