package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"durakv/pkg/common"
)

func openTestLog(t *testing.T, dir string, mode SyncMode) *LogManager {
	t.Helper()
	lm, err := OpenLogManager(dir, LogOptions{SyncMode: mode, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm
}

func TestAppendAssignsTokensAndReplays(t *testing.T) {
	dir := t.TempDir()
	lm := openTestLog(t, dir, SyncBatch)
	require.EqualValues(t, 1, lm.ActiveSequence())

	tok1, err := lm.Append(common.OpPut, "a", []byte("one"))
	require.NoError(t, err)
	tok2, err := lm.Append(common.OpPut, "b", []byte("two"))
	require.NoError(t, err)
	tok3, err := lm.Append(common.OpDel, "a", nil)
	require.NoError(t, err)

	assert.Equal(t, common.CommitToken{SegmentSeq: 1, EntrySeq: 1}, tok1)
	assert.Equal(t, common.CommitToken{SegmentSeq: 1, EntrySeq: 2}, tok2)
	assert.Equal(t, common.CommitToken{SegmentSeq: 1, EntrySeq: 3}, tok3)

	entries, torn, err := ReadSegment(lm.SegmentPath(1), 1, false)
	require.NoError(t, err)
	assert.Nil(t, torn)
	require.Len(t, entries, 3)
	assert.Equal(t, common.LogEntry{SegmentSeq: 1, EntrySeq: 1, Op: common.OpPut, Key: "a", Value: []byte("one")}, entries[0])
	assert.Equal(t, common.LogEntry{SegmentSeq: 1, EntrySeq: 3, Op: common.OpDel, Key: "a"}, entries[2])
}

func TestAppendIsOnDiskWhenItReturns(t *testing.T) {
	dir := t.TempDir()
	lm := openTestLog(t, dir, SyncBatch)

	_, err := lm.Append(common.OpPut, "k", []byte{0x00, 0xff, '\n'})
	require.NoError(t, err)
	tok, err := lm.Append(common.OpDel, "k", nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(lm.SegmentPath(tok.SegmentSeq))
	require.NoError(t, err)
	want, err := encodeEntry(common.LogEntry{SegmentSeq: tok.SegmentSeq, EntrySeq: tok.EntrySeq, Op: common.OpDel, Key: "k"})
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(raw, want), "last record differs from its encoding")
	assert.Contains(t, string(want), `"value":null`)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")), "binary value must not break line framing")
}

func TestRotateResetsEntrySequence(t *testing.T) {
	dir := t.TempDir()
	lm := openTestLog(t, dir, SyncBatch)

	_, err := lm.Append(common.OpPut, "a", []byte("1"))
	require.NoError(t, err)

	seq, err := lm.Rotate(0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	tok, err := lm.Append(common.OpPut, "a", []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, common.CommitToken{SegmentSeq: 2, EntrySeq: 1}, tok)

	_, err = lm.Rotate(2)
	assert.True(t, errors.Is(err, ErrInvalidSequence))

	seq, err = lm.Rotate(10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, seq)
	assert.EqualValues(t, 10, lm.ActiveSequence())

	seqs, err := lm.ListSegmentSequences()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 10}, seqs)
}

func TestOpenResumesAfterNewestSegment(t *testing.T) {
	dir := t.TempDir()
	lm, err := OpenLogManager(dir, DefaultLogOptions())
	require.NoError(t, err)
	_, err = lm.Append(common.OpPut, "a", []byte("1"))
	require.NoError(t, err)
	_, err = lm.Rotate(5)
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	lm2 := openTestLog(t, dir, SyncBatch)
	assert.EqualValues(t, 6, lm2.ActiveSequence())

	entries, _, err := ReadSegment(lm2.SegmentPath(1), 1, false)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	lm, err := OpenLogManager(dir, DefaultLogOptions())
	require.NoError(t, err)
	for _, k := range []string{"a", "b"} {
		_, err := lm.Append(common.OpPut, k, []byte(k))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	path := filepath.Join(dir, SegmentFileName(1))
	st, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := st.Size()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"segment_seq":1,"entry_seq":3,"op":"PU`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm2 := openTestLog(t, dir, SyncBatch)
	assert.EqualValues(t, 2, lm2.ActiveSequence())

	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, st.Size())

	entries, torn, err := ReadSegment(path, 1, false)
	require.NoError(t, err)
	assert.Nil(t, torn)
	assert.Len(t, entries, 2)
}

func TestOpenRejectsCorruptionBeforeValidRecords(t *testing.T) {
	dir := t.TempDir()
	lm, err := OpenLogManager(dir, DefaultLogOptions())
	require.NoError(t, err)
	_, err = lm.Append(common.OpPut, "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	path := filepath.Join(dir, SegmentFileName(1))
	good, err := encodeEntry(common.LogEntry{SegmentSeq: 1, EntrySeq: 3, Op: common.OpPut, Key: "c", Value: []byte("3")})
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(append([]byte("garbage\n"), good...))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenLogManager(dir, DefaultLogOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	var ce *CorruptError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Path)
}

func TestConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	dir := t.TempDir()
	lm := openTestLog(t, dir, SyncBatch)

	const (
		writers = 16
		perG    = 50
	)
	var (
		wg       sync.WaitGroup
		hookMu   sync.Mutex
		hookSeen []common.CommitToken
	)
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				_, err := lm.AppendFunc(common.OpPut, "k", []byte{byte(g), byte(i)}, func(tok common.CommitToken) {
					hookMu.Lock()
					hookSeen = append(hookSeen, tok)
					hookMu.Unlock()
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	entries, torn, err := ReadSegment(lm.SegmentPath(1), 1, false)
	require.NoError(t, err)
	require.Nil(t, torn)
	require.Len(t, entries, writers*perG)
	require.Len(t, hookSeen, writers*perG)
	for i, e := range entries {
		assert.EqualValues(t, i+1, e.EntrySeq)
		assert.Equal(t, e.Token(), hookSeen[i], "hook order must match disk order")
	}
	assert.LessOrEqual(t, lm.Fsyncs(), uint64(writers*perG))
	assert.Greater(t, lm.AppendedBytes(), uint64(0))
}

func TestSyncAlwaysFsyncsEveryAppend(t *testing.T) {
	lm := openTestLog(t, t.TempDir(), SyncAlways)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(common.OpPut, "k", []byte("v"))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, lm.Fsyncs())
}

func TestClosedLogRejectsWrites(t *testing.T) {
	lm, err := OpenLogManager(t.TempDir(), DefaultLogOptions())
	require.NoError(t, err)
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())

	_, err = lm.Append(common.OpPut, "k", []byte("v"))
	assert.Equal(t, ErrClosed, err)
	_, err = lm.Rotate(0)
	assert.Equal(t, ErrClosed, err)
}

func TestAppendRejectsUnknownOp(t *testing.T) {
	lm := openTestLog(t, t.TempDir(), SyncBatch)
	_, err := lm.Append(common.Op("NOPE"), "k", nil)
	assert.Error(t, err)
	assert.EqualValues(t, 0, lm.AppendedBytes())
}

func TestParseSyncMode(t *testing.T) {
	m, err := ParseSyncMode("")
	require.NoError(t, err)
	assert.Equal(t, SyncBatch, m)
	m, err = ParseSyncMode("always")
	require.NoError(t, err)
	assert.Equal(t, SyncAlways, m)
	_, err = ParseSyncMode("never")
	assert.Error(t, err)
}

func TestWriteFailureIsSticky(t *testing.T) {
	for _, mode := range []SyncMode{SyncBatch, SyncAlways} {
		t.Run(string(mode), func(t *testing.T) {
			lm := openTestLog(t, t.TempDir(), mode)
			_, err := lm.Append(common.OpPut, "a", []byte("1"))
			require.NoError(t, err)

			// Pull the file out from under the log so the next write fails.
			require.NoError(t, lm.active.Close())

			sequenced := false
			_, err = lm.AppendFunc(common.OpPut, "b", []byte("2"), func(common.CommitToken) {
				sequenced = true
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrLogFailed))
			assert.True(t, sequenced)

			sequenced = false
			_, err = lm.AppendFunc(common.OpPut, "c", []byte("3"), func(common.CommitToken) {
				sequenced = true
			})
			assert.True(t, errors.Is(err, ErrLogFailed))
			assert.False(t, sequenced)

			_, err = lm.Rotate(0)
			assert.True(t, errors.Is(err, ErrLogFailed))

			entries, _, err := ReadSegment(lm.SegmentPath(1), 1, true)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "a", entries[0].Key)
		})
	}
}
