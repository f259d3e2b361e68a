package core

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"durakv/pkg/config"
	"durakv/pkg/storage"
)

func TestSnapshotThenRecoverScenario(t *testing.T) {
	dir := t.TempDir()
	first := newTestStore(t, dir)

	for i := 0; i < 50; i++ {
		_, err := first.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	path, err := first.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshot-1"), path)

	for i := 50; i < 70; i++ {
		_, err := first.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}

	second, err := NewStore(config.NewTestConfig(dir), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	baseline, err := second.Recover()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), baseline)

	val, ok := second.Get("key60")
	require.True(t, ok)
	assert.Equal(t, "value-60", string(val))
	val, ok = second.Get("key10")
	require.True(t, ok)
	assert.Equal(t, "value-10", string(val))
	_, ok = second.Get("key5000")
	assert.False(t, ok)
	assert.Equal(t, 70, second.Len())
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	for i := 0; i < 20; i++ {
		_, err := s.Put(fmt.Sprintf("k%d", i%5), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	_, err := s.Delete("k3")
	require.NoError(t, err)

	want := s.Scan("", "")
	for i := 0; i < 3; i++ {
		_, err := s.Recover()
		require.NoError(t, err)
		assert.Equal(t, want, s.Scan("", ""))
	}
}

func TestRecoverWithoutSnapshotReplaysAllSegments(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	_, err = s.Put("b", []byte("2"))
	require.NoError(t, err)
	_, err = s.Delete("a")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	_, ok := s.Get("a")
	assert.False(t, ok)
	val, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)
}

func TestRecoverAfterSnapshotUsesNewestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Snapshot()
	require.NoError(t, err)
	_, err = s.Put("a", []byte("2"))
	require.NoError(t, err)
	_, err = s.Put("b", []byte("x"))
	require.NoError(t, err)
	path, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshot-2"), path)
	_, err = s.Delete("b")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Older segments are not needed once a newer snapshot exists.
	require.NoError(t, os.Remove(filepath.Join(dir, "segment-1")))

	s = newTestStore(t, dir)
	val, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)
	_, ok = s.Get("b")
	assert.False(t, ok)
}

func TestRecoverToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Put("b", []byte("2"))
	require.NoError(t, err)
	active := s.log.ActiveSequence()
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, storage.SegmentFileName(active)), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"segment_seq":1,"entry_seq":3,"op":"PUT","ke`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = newTestStore(t, dir)
	val, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)

	// The torn tail was cut at open, so the segment stays readable after
	// newer segments exist.
	_, err = s.Put("c", []byte("3"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestRecoverTornTailInLastSegmentWithoutReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)

	// Garbage after the last record of the active segment is skipped.
	f, err := os.OpenFile(s.log.SegmentPath(s.log.ActiveSequence()), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Recover()
	require.NoError(t, err)
	val, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
}

func TestRecoverFailsOnCorruptEarlierSegment(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Put("b", []byte("2"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	_, err = s.Put("c", []byte("3"))
	require.NoError(t, err)

	// Corrupt the first record of segment 1; a valid record follows it.
	path := filepath.Join(dir, storage.SegmentFileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] = 'X'
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = s.Recover()
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrCorrupt))
	var ce *storage.CorruptError
	assert.True(t, errors.As(err, &ce))

	// A failed recovery leaves no partial state and refuses writes.
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 0, s.Len())
	_, err = s.Put("d", []byte("4"))
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = s.Delete("c")
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = s.Snapshot()
	assert.True(t, errors.Is(err, ErrNotReady))

	// Once the damaged segment is gone the store recovers what remains.
	require.NoError(t, os.Remove(path))
	_, err = s.Recover()
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []string{"c"}, s.Keys())
	_, err = s.Put("d", []byte("4"))
	require.NoError(t, err)
}

func TestRecoverTreatsMissingSegmentAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	_, err = s.Put("b", []byte("2"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, storage.SegmentFileName(1))))

	s = newTestStore(t, dir)
	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
}

func TestRecoverRemovesOrphanSnapshotTemp(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	_, err := s.Put("a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	orphan := filepath.Join(dir, ".snapshot-0c8f3b5e-3d2a-4d7e-9b1f-2f6c1e4b8a90.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte(`{"meta":`), 0644))

	s = newTestStore(t, dir)
	_, ok := s.Get("a")
	assert.True(t, ok)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverEmptyDirectory(t *testing.T) {
	s, err := NewStore(config.NewTestConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Close()

	baseline, err := s.Recover()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), baseline)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, StateReady, s.State())
}
