package ota

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/flash/flashtest"
	"github.com/robotalks/sensornode/pkg/transport"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// scriptedConn replays reads from a script and records writes.
type scriptedConn struct {
	lock    sync.Mutex
	reads   [][]byte
	readErr error
	written []byte
	closed  bool
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.reads) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, c.reads[0])
	if n < len(c.reads[0]) {
		c.reads[0] = c.reads[0][n:]
	} else {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *scriptedConn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *scriptedConn) request() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return string(c.written)
}

func (c *scriptedConn) LocalAddr() net.Addr                { return fakeAddr("127.0.0.1:50000") }
func (c *scriptedConn) RemoteAddr() net.Addr               { return fakeAddr("127.0.0.1:8443") }
func (c *scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

type scriptedDialer struct {
	lock  sync.Mutex
	conns []*scriptedConn
	dials int
	err   error
}

func (d *scriptedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.dials >= len(d.conns) {
		return nil, fmt.Errorf("unexpected dial %d", d.dials+1)
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

func (d *scriptedDialer) count() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dials
}

type localResolver struct{}

func (localResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

type countingRebooter struct {
	count    int
	onReboot func()
}

func (r *countingRebooter) Reboot() {
	r.count++
	if r.onReboot != nil {
		r.onReboot()
	}
}

const header = "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n"

func versionConn(body string) *scriptedConn {
	return &scriptedConn{reads: [][]byte{[]byte(header + body)}}
}

func firmwareConn(chunks ...[]byte) *scriptedConn {
	reads := append([][]byte{[]byte(header)}, chunks...)
	return &scriptedConn{reads: reads}
}

func firmware(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%253 + 1)
	}
	return data
}

func versionBody(version string, image []byte) string {
	return fmt.Sprintf("%s\n%d\n%d\n", version, crc32.ChecksumIEEE(image), len(image))
}

type fixture struct {
	dialer   *scriptedDialer
	table    *flashtest.MemTable
	rebooter *countingRebooter
	updater  *Updater
}

func newFixture(t *testing.T, current string, conns ...*scriptedConn) *fixture {
	f := &fixture{
		dialer:   &scriptedDialer{conns: conns},
		table:    flashtest.NewMemTable(64 * 1024),
		rebooter: &countingRebooter{},
	}
	stack := &transport.Stack{
		Resolver: localResolver{},
		Dialer:   f.dialer,
		Timeout:  time.Second,
		Retries:  transport.DefaultRetries,
		Buffers:  transport.NewBufferPool(transport.RXBufferSize, transport.TXBufferSize),
	}
	u, err := New(Config{
		DeviceID:       "node-7",
		Hostname:       "ota.test",
		Port:           8443,
		CurrentVersion: current,
		RebootDelay:    time.Millisecond,
	}, stack, f.table,
		WithRebooter(f.rebooter),
		WithWriter(flash.NewWriter(flash.WithYield(func() {}))))
	require.NoError(t, err)
	f.updater = u
	return f
}

func TestScenarioNewerVersionIsFlashed(t *testing.T) {
	image := firmware(1000)
	v := versionConn(versionBody("2.1.0", image))
	fw := firmwareConn(image[:300], image[300:301], image[301:])
	f := newFixture(t, "2.0.5", v, fw)
	var lockFree bool
	f.rebooter.onReboot = func() {
		if lockFree = f.updater.lock.TryLock(); lockFree {
			f.updater.lock.Unlock()
		}
	}

	require.NoError(t, f.updater.CheckForUpdate(context.Background()))
	require.True(t, lockFree, "check lock must be released before reboot")

	next := f.table.Slots[1]
	require.Equal(t, image, next.Data[:1000])
	require.Equal(t, 1, f.table.Activations())
	require.Equal(t, []flash.ImageState{flash.StateNew}, f.table.States())
	require.Equal(t, 1, f.rebooter.count)
	require.True(t, v.isClosed())
	require.True(t, fw.isClosed())
	require.Contains(t, v.request(), "GET /version?device=node-7 HTTP/1.1\r\nHost: ota.test\r\n")
	require.Contains(t, fw.request(), "GET /firmware?device=node-7 HTTP/1.1\r\nHost: ota.test\r\n")

	var written int
	for _, s := range next.Writes() {
		written += int(s.Len())
	}
	require.Equal(t, 1000, written)

	st := f.updater.Status()
	require.Equal(t, StateRebooting, st.State)
	require.Equal(t, ResultUpdated, st.LastResult)
	require.Equal(t, "2.1.0", st.RemoteVersion)
}

func TestScenarioEqualVersionIsSkipped(t *testing.T) {
	image := firmware(1000)
	v := versionConn(versionBody("2.0.5", image))
	f := newFixture(t, "2.0.5", v)

	require.NoError(t, f.updater.CheckForUpdate(context.Background()))
	require.Equal(t, 1, f.dialer.count())
	require.True(t, v.isClosed())
	for _, p := range f.table.Slots {
		require.Empty(t, p.Erases())
		require.Empty(t, p.Writes())
	}
	require.Zero(t, f.table.Activations())
	require.Zero(t, f.rebooter.count)
	require.Equal(t, ResultNoUpdate, f.updater.Status().LastResult)
	require.Equal(t, StateIdle, f.updater.Status().State)
}

func TestScenarioMissingSizeLine(t *testing.T) {
	v := versionConn("2.1.0\n12345\n")
	f := newFixture(t, "2.0.5", v)

	err := f.updater.CheckForUpdate(context.Background())
	require.Error(t, err)
	require.Equal(t, KindInfo, KindOf(err))
	require.True(t, v.isClosed())
	require.Equal(t, 1, f.dialer.count())
	require.Equal(t, StateFailed, f.updater.Status().State)
}

func TestScenarioFlashWriteFailure(t *testing.T) {
	image := firmware(50000)
	v := versionConn(versionBody("3.0.0", image))
	fw := firmwareConn(image)
	f := newFixture(t, "2.0.5", v, fw)
	f.table.Slots[1].FailWriteAt = 40960

	err := f.updater.CheckForUpdate(context.Background())
	require.Error(t, err)
	require.Equal(t, KindOta, KindOf(err))
	var ioErr *flash.IOError
	require.ErrorAs(t, err, &ioErr)
	require.Zero(t, f.table.Activations())
	require.Empty(t, f.table.States())
	require.Zero(t, f.rebooter.count)
	require.True(t, v.isClosed())
	require.True(t, fw.isClosed())
}

func TestCheckForUpdateFailures(t *testing.T) {
	image := firmware(5000)

	t.Run("older-remote", func(t *testing.T) {
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.0.5-rc.1", image)))
		require.NoError(t, f.updater.CheckForUpdate(context.Background()))
		require.Equal(t, 1, f.dialer.count())
	})

	t.Run("unparsable-remote", func(t *testing.T) {
		f := newFixture(t, "2.0.5", versionConn(versionBody("latest", image)))
		require.NoError(t, f.updater.CheckForUpdate(context.Background()))
		require.Equal(t, ResultSkipped, f.updater.Status().LastResult)
		require.Equal(t, 1, f.dialer.count())
	})

	t.Run("unparsable-local", func(t *testing.T) {
		f := newFixture(t, "dev", versionConn(versionBody("9.9.9", image)))
		require.NoError(t, f.updater.CheckForUpdate(context.Background()))
		require.Equal(t, ResultSkipped, f.updater.Status().LastResult)
	})

	t.Run("connect", func(t *testing.T) {
		f := newFixture(t, "2.0.5")
		f.dialer.err = syscall.ECONNREFUSED
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindConnection, KindOf(err))
		require.ErrorIs(t, err, transport.ErrSocketConnection)
	})

	t.Run("no-header-boundary", func(t *testing.T) {
		v := &scriptedConn{reads: [][]byte{[]byte("HTTP/1.1 200 OK\r\n")}}
		f := newFixture(t, "2.0.5", v)
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindInfo, KindOf(err))
		require.True(t, v.isClosed())
	})

	t.Run("header-too-large", func(t *testing.T) {
		big := make([]byte, 300)
		for i := range big {
			big[i] = 'x'
		}
		v := &scriptedConn{reads: [][]byte{big}}
		f := newFixture(t, "2.0.5", v)
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindInfo, KindOf(err))
		require.ErrorIs(t, err, ErrHeaderTooLarge)
	})

	t.Run("image-too-large", func(t *testing.T) {
		huge := firmware(64*1024 + 1)
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", huge)))
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindOta, KindOf(err))
		require.Equal(t, 1, f.dialer.count())
		require.Empty(t, f.table.Slots[1].Erases())
	})

	t.Run("short-body", func(t *testing.T) {
		fw := firmwareConn(image[:4000])
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), fw)
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindFirmware, KindOf(err))
		require.ErrorIs(t, err, ErrSizeMismatch)
		require.Zero(t, f.table.Activations())
		require.True(t, fw.isClosed())
	})

	t.Run("connection-reset-ends-body", func(t *testing.T) {
		fw := firmwareConn(image[:4000])
		fw.readErr = syscall.ECONNRESET
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), fw)
		err := f.updater.CheckForUpdate(context.Background())
		require.ErrorIs(t, err, ErrSizeMismatch)
		require.Zero(t, f.table.Activations())
	})

	t.Run("read-failure", func(t *testing.T) {
		fw := firmwareConn(image[:4000])
		fw.readErr = errors.New("radio glitch")
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), fw)
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindFirmware, KindOf(err))
		var readErr *flash.ReadError
		require.ErrorAs(t, err, &readErr)
		require.Zero(t, f.table.Activations())
		require.True(t, fw.isClosed())
	})

	t.Run("checksum-mismatch", func(t *testing.T) {
		corrupt := append([]byte(nil), image...)
		corrupt[100] ^= 0xFF
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), firmwareConn(corrupt))
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindFirmware, KindOf(err))
		require.ErrorIs(t, err, ErrChecksumMismatch)
		require.Zero(t, f.table.Activations())
		require.Zero(t, f.rebooter.count)
	})

	t.Run("activation-failure", func(t *testing.T) {
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), firmwareConn(image))
		f.table.FailActivate = errors.New("otadata write failed")
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindOta, KindOf(err))
		require.Empty(t, f.table.States())
		require.Zero(t, f.rebooter.count)
	})

	t.Run("state-marker-failure", func(t *testing.T) {
		f := newFixture(t, "2.0.5", versionConn(versionBody("2.1.0", image)), firmwareConn(image))
		f.table.FailSetState = errors.New("otadata write failed")
		err := f.updater.CheckForUpdate(context.Background())
		require.Equal(t, KindOta, KindOf(err))
		require.Zero(t, f.rebooter.count)
	})
}

func TestCheckForUpdateIsExclusive(t *testing.T) {
	f := newFixture(t, "2.0.5")
	f.updater.lock.Lock()
	err := f.updater.CheckForUpdate(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, KindBusy, KindOf(err))
	f.updater.lock.Unlock()
	require.Zero(t, f.dialer.count())
}

func TestNewValidatesConfig(t *testing.T) {
	stack := transport.NewStack(nil)
	table := flashtest.NewMemTable(4096)
	valid := Config{DeviceID: "d", Hostname: "h", Port: 1, CurrentVersion: "1.0.0"}

	cases := map[string]func(*Config){
		"hostname": func(c *Config) { c.Hostname = "" },
		"port":     func(c *Config) { c.Port = 0 },
		"device":   func(c *Config) { c.DeviceID = "" },
		"version":  func(c *Config) { c.CurrentVersion = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			conf := valid
			mutate(&conf)
			_, err := New(conf, stack, table)
			require.Equal(t, KindConfig, KindOf(err))
		})
	}

	tlsStack := transport.NewStack(transport.NewCertCache(transport.ModeMutualTLS, transport.Credentials{}))
	_, err := New(valid, tlsStack, table)
	require.Equal(t, KindConfig, KindOf(err))
	require.ErrorIs(t, err, transport.ErrCACertificateMissing)

	u, err := New(valid, stack, table)
	require.NoError(t, err)
	require.Equal(t, DefaultRebootDelay, u.config.RebootDelay)
}

func TestMarkValid(t *testing.T) {
	f := newFixture(t, "2.0.5")
	require.NoError(t, f.table.SetImageState(flash.StateNew))
	require.NoError(t, f.updater.MarkValid())
	state, err := f.table.ImageState()
	require.NoError(t, err)
	require.Equal(t, flash.StateValid, state)

	require.NoError(t, f.updater.MarkValid())
	require.Len(t, f.table.States(), 2)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindNone, KindOf(nil))
	require.Equal(t, KindOta, KindOf(errors.New("other")))
	require.Equal(t, KindInfo, KindOf(fmt.Errorf("wrapped: %w", newError(KindInfo, "parse", nil))))
	require.Equal(t, "firmware", KindFirmware.String())
}
