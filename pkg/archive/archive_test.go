package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

const segSize = 16 * 1024

// writeSegments produces count archived segments, each holding a few heap
// records, starting at segment 1.
func writeSegments(t *testing.T, archiveDir string, sysID uint64, c Compression, count int) []wal.LSN {
	t.Helper()
	var lsns []wal.LSN
	completed := 0
	w, err := wal.NewWriter(wal.WriterOptions{
		Dir:              filepath.Join(t.TempDir(), "pg_wal"),
		SegmentSize:      segSize,
		Timeline:         1,
		SystemIdentifier: sysID,
		OnComplete: func(path string, segno uint64) error {
			completed++
			_, err := Push(path, archiveDir, c)
			return err
		},
	})
	require.NoError(t, err)
	for completed < count {
		for i := 0; i < 3; i++ {
			lsn, err := w.Append(wal.RmgrHeap, wal.InfoInsert,
				wal.EncodeBlockRefs([]wal.BlockRef{{Path: "base/1/16384", Block: uint32(len(lsns))}}))
			require.NoError(t, err)
			lsns = append(lsns, lsn)
		}
		_, err := w.Switch()
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return lsns
}

func newTestValidator(t *testing.T, dir string, sysID uint64, wait WaitOptions) (*Validator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.New(&buf, "info")
	require.NoError(t, err)
	v, err := NewValidator(Options{Dir: dir, SegmentSize: segSize, SystemIdentifier: sysID, Wait: wait, Logger: logger})
	require.NoError(t, err)
	return v, &buf
}

var shortWait = WaitOptions{Timeout: 300 * time.Millisecond, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}

func collect(t *testing.T, v *Validator, segno uint64) ([]*wal.Record, error) {
	t.Helper()
	var recs []*wal.Record
	_, err := v.Scan(context.Background(), 1, segno, 0, func(r *wal.Record) error {
		recs = append(recs, r)
		return nil
	})
	return recs, err
}

func TestScanPlainAndCompressedAreIdentical(t *testing.T) {
	var results [][]*wal.Record
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		dir := t.TempDir()
		writeSegments(t, dir, 7, c, 2)
		_, err := os.Stat(filepath.Join(dir, wal.SegmentName(1, 1, segSize)+c.Suffix()))
		require.NoError(t, err)

		v, _ := newTestValidator(t, dir, 7, shortWait)
		recs, err := collect(t, v, 1)
		require.NoError(t, err, "compression %q", c)
		results = append(results, recs)
	}
	require.Len(t, results[0], 4) // three heap records and the switch
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestAbsentSegmentTimesOut(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionNone, 2)
	require.NoError(t, os.Remove(filepath.Join(dir, wal.SegmentName(1, 2, segSize))))

	v, logs := newTestValidator(t, dir, 7, shortWait)
	want := wal.FirstRecordLSN(2, segSize)
	_, err := v.Scan(context.Background(), 1, 2, want, nil)
	require.Error(t, err)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.SegmentAbsent, fe.Kind)
	assert.True(t, fe.TimedOut)
	plain := filepath.Join(dir, wal.SegmentName(1, 2, segSize))
	assert.Equal(t, `WAL segment "`+plain+`" is absent`, err.Error())
	assert.Contains(t, logs.String(), "INFO: Wait for LSN "+want.String()+" in archived WAL segment "+plain)
	assert.Contains(t, logs.String(), "WARNING: could not read WAL record at "+want.String())
}

func TestAbsentSegmentWithLaterSegmentFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionGzip, 3)
	require.NoError(t, os.Remove(filepath.Join(dir, wal.SegmentName(1, 2, segSize)+".gz")))

	v, _ := newTestValidator(t, dir, 7, WaitOptions{Timeout: time.Minute, InitialInterval: time.Second, MaxInterval: time.Second})
	started := time.Now()
	_, err := v.Scan(context.Background(), 1, 2, 0, nil)
	assert.Less(t, time.Since(started), 10*time.Second)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.SegmentAbsent, fe.Kind)
	assert.False(t, fe.TimedOut)
	assert.Equal(t, filepath.Join(dir, wal.SegmentName(1, 2, segSize)), fe.Segment)
}

func TestSegmentArrivingDuringWait(t *testing.T) {
	src := t.TempDir()
	writeSegments(t, src, 7, CompressionNone, 1)
	dir := t.TempDir()
	name := wal.SegmentName(1, 1, segSize)

	go func() {
		time.Sleep(50 * time.Millisecond)
		Push(filepath.Join(src, name), dir, CompressionNone)
	}()

	v, logs := newTestValidator(t, dir, 7, WaitOptions{Timeout: 5 * time.Second, InitialInterval: 20 * time.Millisecond, MaxInterval: 100 * time.Millisecond})
	recs, err := collect(t, v, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
	assert.Contains(t, logs.String(), "INFO: Wait for LSN")
}

func TestWaitHonoursCancellation(t *testing.T) {
	v, _ := newTestValidator(t, t.TempDir(), 7, WaitOptions{Timeout: time.Minute, InitialInterval: time.Second, MaxInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Scan(ctx, 1, 1, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorruptRecordIsReported(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionNone, 1)
	path := filepath.Join(dir, wal.SegmentName(1, 1, segSize))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("blah"), wal.SegmentHeaderSize+wal.RecordHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	v, logs := newTestValidator(t, dir, 7, shortWait)
	recs, err := collect(t, v, 1)
	assert.Empty(t, recs)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.SegmentCorrupt, fe.Kind)
	assert.Equal(t, int64(wal.SegmentHeaderSize), fe.Offset)
	assert.Equal(t, `Possible WAL corruption. Error has occured during reading WAL segment "`+path+`"`, err.Error())
	assert.Contains(t, logs.String(), "WARNING: could not read WAL record at")
	assert.Contains(t, logs.String(), "incorrect resource manager data checksum in record at")
}

func TestCorruptHeaderIsReported(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionNone, 1)
	path := filepath.Join(dir, wal.SegmentName(1, 1, segSize))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[13] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0600))

	v, _ := newTestValidator(t, dir, 7, shortWait)
	_, _, err = v.Fetch(context.Background(), 1, 1, 0)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.SegmentCorrupt, fe.Kind)
	assert.Equal(t, int64(0), fe.Offset)
}

func TestAlienSegmentIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionNone, 1)
	alienDir := t.TempDir()
	writeSegments(t, alienDir, 99, CompressionNone, 2)

	name := wal.SegmentName(1, 2, segSize)
	require.NoError(t, os.Rename(filepath.Join(alienDir, name), filepath.Join(dir, name)))

	v, _ := newTestValidator(t, dir, 7, shortWait)
	_, err := collect(t, v, 1)
	require.NoError(t, err)

	_, err = collect(t, v, 2)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.AlienSegment, fe.Kind)
	assert.Equal(t, "system identifier", fe.Field)
	assert.Equal(t, uint64(7), fe.Expected)
	assert.Equal(t, uint64(99), fe.Found)
}

func TestRenamedSegmentIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionNone, 1)
	require.NoError(t, os.Rename(
		filepath.Join(dir, wal.SegmentName(1, 1, segSize)),
		filepath.Join(dir, wal.SegmentName(1, 5, segSize))))

	v, _ := newTestValidator(t, dir, 7, shortWait)
	_, _, err := v.Fetch(context.Background(), 1, 5, 0)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.AlienSegment, fe.Kind)
	assert.Equal(t, "segment number", fe.Field)
}

func TestFetchReturnsSegmentBytes(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 7, CompressionZstd, 1)

	v, _ := newTestValidator(t, dir, 7, shortWait)
	data, lastLSN, err := v.Fetch(context.Background(), 1, 1, 0)
	require.NoError(t, err)
	assert.Len(t, data, segSize)
	scanned, err := v.Scan(context.Background(), 1, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, scanned, lastLSN)
	h, err := wal.DecodeSegmentHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.SegmentNo)
}

func TestPushRefusesOverwrite(t *testing.T) {
	src := filepath.Join(t.TempDir(), "000000010000000000000001")
	require.NoError(t, os.WriteFile(src, []byte("segment"), 0600))
	dir := t.TempDir()

	_, err := Push(src, dir, CompressionNone)
	require.NoError(t, err)
	_, err = Push(src, dir, CompressionNone)
	assert.Error(t, err)

	for _, c := range []Compression{CompressionGzip, CompressionZstd} {
		_, err = Push(src, dir, c)
		require.Error(t, err, c)
		assert.Contains(t, err.Error(), filepath.Join(dir, "000000010000000000000001")+" already exists")
		_, statErr := os.Stat(filepath.Join(dir, "000000010000000000000001"+c.Suffix()))
		assert.True(t, os.IsNotExist(statErr), c)
	}

	zdir := t.TempDir()
	_, err = Push(src, zdir, CompressionZstd)
	require.NoError(t, err)
	_, err = Push(src, zdir, CompressionNone)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(zdir, "000000010000000000000001"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("gzip")
	require.NoError(t, err)
	assert.Equal(t, ".gz", c.Suffix())
	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, ".zst", c.Suffix())
	_, err = ParseCompression("lz4")
	assert.Error(t, err)
}
