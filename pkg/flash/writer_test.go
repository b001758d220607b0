package flash_test

import (
	"bytes"
	"errors"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/flash/flashtest"
)

// chunkReader delivers data in reads of the scripted sizes, then the
// remainder in reads as large as the caller asks for.
type chunkReader struct {
	data   []byte
	sizes  []int
	reads  int
	endErr error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.endErr != nil {
			return 0, r.endErr
		}
		return 0, io.EOF
	}
	n := len(p)
	if len(r.sizes) > 0 {
		if r.sizes[0] < n {
			n = r.sizes[0]
		}
		r.sizes[0] -= n
		if r.sizes[0] == 0 {
			r.sizes = r.sizes[1:]
		}
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	r.reads++
	return n, nil
}

func image(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func noYield() {}

func requireCoverage(t *testing.T, spans []flashtest.Span, end uint32, align uint32) {
	var offset uint32
	for _, s := range spans {
		require.Equal(t, offset, s.From, "gap or overlap at %d", offset)
		require.Zero(t, s.Len()%align)
		offset = s.To
	}
	require.Equal(t, end, offset)
}

func TestWriteStreamChunkSequences(t *testing.T) {
	cases := []struct {
		name  string
		size  int
		sizes []int
	}{
		{"single-byte", 1, []int{1}},
		{"aligned", 4096, nil},
		{"odd-reads", 1000, []int{300, 1, 699}},
		{"tiny-reads", 37, []int{1, 1, 1, 2, 3, 5, 8, 13, 3}},
		{"larger-than-cursor", 10003, []int{2047, 2049, 1, 5906}},
		{"many-threes", 999, []int{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data := image(c.size)
			part := flashtest.NewMemPartition("ota_1", 64*1024)
			w := flash.NewWriter(flash.WithYield(noYield))
			res, err := w.WriteStream(part, &chunkReader{data: data, sizes: c.sizes}, c.size, nil)
			require.NoError(t, err)
			require.Equal(t, c.size, res.Written)
			require.Equal(t, crc32.ChecksumIEEE(data), res.CRC32)
			requireCoverage(t, part.Writes(), uint32(flash.RoundUp(c.size, flash.WriteAlign)), flash.WriteAlign)
			require.Equal(t, data, part.Data[:c.size])
			for _, b := range part.Data[c.size:] {
				require.Equal(t, byte(flash.ErasedByte), b)
			}
		})
	}
}

func TestWriteStreamPrefix(t *testing.T) {
	data := image(5000)
	part := flashtest.NewMemPartition("ota_1", 8192)
	w := flash.NewWriter(flash.WithYield(noYield))
	res, err := w.WriteStream(part, &chunkReader{data: data[123:], sizes: []int{17, 400}}, len(data), data[:123])
	require.NoError(t, err)
	require.Equal(t, len(data), res.Written)
	require.Equal(t, data, part.Data[:len(data)])
	requireCoverage(t, part.Writes(), 5000, flash.WriteAlign)
}

func TestWriteStreamNeverReadsPastSize(t *testing.T) {
	data := image(3000)
	r := &chunkReader{data: data}
	part := flashtest.NewMemPartition("ota_1", 8192)
	w := flash.NewWriter(flash.WithYield(noYield))
	res, err := w.WriteStream(part, r, 1001, data[:10])
	require.NoError(t, err)
	require.Equal(t, 1001, res.Written)
	require.Len(t, r.data, 3000-991)
	require.Equal(t, append(append([]byte{}, data[:10]...), data[:991]...), part.Data[:1001])
}

func TestWriteStreamShortBody(t *testing.T) {
	data := image(700)
	part := flashtest.NewMemPartition("ota_1", 8192)
	w := flash.NewWriter(flash.WithYield(noYield))
	res, err := w.WriteStream(part, &chunkReader{data: data}, 1000, nil)
	require.NoError(t, err)
	require.Equal(t, 700, res.Written)
}

func TestWriteStreamReadError(t *testing.T) {
	broken := errors.New("link down")
	part := flashtest.NewMemPartition("ota_1", 8192)
	w := flash.NewWriter(flash.WithYield(noYield))
	_, err := w.WriteStream(part, &chunkReader{data: image(100), endErr: broken}, 1000, nil)
	var readErr *flash.ReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, 100, readErr.Offset)
	require.ErrorIs(t, err, broken)
}

func TestWriteStreamFlashFailure(t *testing.T) {
	part := flashtest.NewMemPartition("ota_1", 64*1024)
	part.FailWriteAt = 40960
	w := flash.NewWriter(flash.WithYield(noYield))
	res, err := w.WriteStream(part, bytes.NewReader(image(50000)), 50000, nil)
	var ioErr *flash.IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "write", ioErr.Op)
	require.LessOrEqual(t, res.Written, 40960)
	for _, s := range part.Writes() {
		require.LessOrEqual(t, s.To, uint32(40960))
	}
}

func TestWriteStreamProgress(t *testing.T) {
	var reports []flash.Progress
	yields := 0
	part := flashtest.NewMemPartition("ota_1", 64*1024)
	w := flash.NewWriter(
		flash.WithYield(func() { yields++ }),
		flash.WithProgressCallback(func(p flash.Progress) { reports = append(reports, p) }),
	)
	_, err := w.WriteStream(part, bytes.NewReader(image(40000)), 40000, nil)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	require.Equal(t, len(reports), yields)
	for i, p := range reports {
		require.Equal(t, 40000, p.Total)
		if i > 0 {
			require.Greater(t, p.Written, reports[i-1].Written)
		}
	}
}

func TestEraseCoverage(t *testing.T) {
	cases := []struct {
		size  int
		chunk uint32
	}{
		{0, flash.EraseChunkSize},
		{1, flash.EraseChunkSize},
		{4096, flash.EraseChunkSize},
		{4097, flash.EraseChunkSize},
		{65536, flash.EraseChunkSize},
		{70000, flash.EraseChunkSize},
		{300000, flash.EraseChunkSize},
		{300000, 8192},
	}
	for _, c := range cases {
		part := flashtest.NewMemPartition("ota_1", 512*1024)
		yields := 0
		w := flash.NewWriter(flash.WithEraseChunk(c.chunk), flash.WithYield(func() { yields++ }))
		require.NoError(t, w.Erase(part, c.size))
		erases := part.Erases()
		want := uint32((c.size + flash.PageSize - 1) / flash.PageSize * flash.PageSize)
		requireCoverage(t, erases, want, flash.PageSize)
		for _, s := range erases {
			require.LessOrEqual(t, s.Len(), c.chunk)
		}
		require.Equal(t, len(erases), yields)
	}
}

func TestEraseRejectsOversizedImage(t *testing.T) {
	part := flashtest.NewMemPartition("ota_1", 8192)
	w := flash.NewWriter(flash.WithYield(noYield))
	require.Error(t, w.Erase(part, 8193))
	require.Empty(t, part.Erases())
}

func TestEraseFailure(t *testing.T) {
	part := flashtest.NewMemPartition("ota_1", 256*1024)
	part.FailEraseAt = 70000
	w := flash.NewWriter(flash.WithYield(noYield))
	err := w.Erase(part, 200000)
	var ioErr *flash.IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "erase", ioErr.Op)
	require.Equal(t, uint32(65536), ioErr.Offset)
}

func TestCursorKeepsRemainderBelowAlignment(t *testing.T) {
	part := flashtest.NewMemPartition("ota_1", 4096)
	c := flash.NewCursor(16, 4)
	for _, n := range []int{3, 5, 7, 1, 2} {
		space := c.Space()
		require.GreaterOrEqual(t, len(space), n)
		for i := 0; i < n; i++ {
			space[i] = 0x11
		}
		require.NoError(t, c.Advance(n, part))
		require.Less(t, c.Pending(), 4)
	}
	require.Equal(t, 16, c.Written())
	require.Equal(t, 2, c.Pending())
	require.NoError(t, c.Finish(part))
	require.Equal(t, 18, c.Written())
	require.Equal(t, []byte{0x11, 0x11, 0xFF, 0xFF}, part.Data[16:20])
}

func TestNewCursorPanicsOnBadGeometry(t *testing.T) {
	require.Panics(t, func() { flash.NewCursor(10, 4) })
	require.Panics(t, func() { flash.NewCursor(16, 3) })
	require.NotPanics(t, func() { flash.NewCursor(2048, 4) })
}
