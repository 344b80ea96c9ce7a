package capture

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T, every int) *Recorder {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewRecorder(store, every, nil)
}

func TestRecordingFrameCountMatchesFiles(t *testing.T) {
	r := newRecorder(t, 10)
	rec, err := r.Start("demo", map[string]string{"source": "test"})
	require.NoError(t, err)

	for i := 0; i < 23; i++ {
		ok, err := r.Write([]byte{byte(i)})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, 23, stopped.FrameCount)
	require.NotNil(t, stopped.EndTime)

	stored, err := r.Store().Get(rec.ID)
	require.NoError(t, err)
	files, err := r.Store().CountFrames(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, files, stored.FrameCount)
	assert.Equal(t, "test", stored.Metadata["source"])
	assert.False(t, stored.Active())
}

func TestRecorderCheckpointsMetadata(t *testing.T) {
	r := newRecorder(t, 5)
	rec, err := r.Start("", nil)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := r.Write([]byte("x"))
		require.NoError(t, err)
	}
	// metadata is only rewritten at checkpoints
	stored, err := r.Store().Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FrameCount)
	assert.True(t, stored.Active())
}

func TestRecorderStates(t *testing.T) {
	r := newRecorder(t, 0)

	ok, err := r.Write([]byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)

	rec, err := r.Start("a", nil)
	require.NoError(t, err)
	_, err = r.Start("b", nil)
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.ErrorIs(t, r.Delete(rec.ID), ErrRecordingActive)

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, rec.ID, active.ID)
}

func TestFramesAreNeverRewritten(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	dir, err := store.create("rec")
	require.NoError(t, err)

	require.NoError(t, store.writeFrame(dir, 1, []byte("first")))
	assert.Error(t, store.writeFrame(dir, 1, []byte("second")))

	data, err := os.ReadFile(filepath.Join(dir, FrameName(1)))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestGetFramesRange(t *testing.T) {
	r := newRecorder(t, 0)
	rec, err := r.Start("", nil)
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		_, err := r.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	_, err = r.Stop()
	require.NoError(t, err)

	frames, err := r.Store().GetFrames(rec.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, 2, frames[0].Index)
	assert.Equal(t, []byte{4}, frames[2].Image)

	all, err := r.Store().GetFrames(rec.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	_, err = r.Store().GetFrames("missing", 0, 0)
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}

func TestListAndDelete(t *testing.T) {
	r := newRecorder(t, 0)
	first, err := r.Start("one", nil)
	require.NoError(t, err)
	_, err = r.Write([]byte("x"))
	require.NoError(t, err)
	_, err = r.Stop()
	require.NoError(t, err)
	second, err := r.Start("two", nil)
	require.NoError(t, err)
	_, err = r.Stop()
	require.NoError(t, err)

	list, err := r.Store().List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	require.NoError(t, r.Delete(first.ID))
	_, err = os.Stat(filepath.Join(r.Store().Root(), first.ID))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, r.Delete(first.ID), ErrRecordingNotFound)

	list, err = r.Store().List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordingIDValidation(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	for _, id := range []string{"", "..", "../etc", "a/b", `a\b`} {
		_, err := store.Get(id)
		assert.ErrorIs(t, err, ErrInvalidRecordingID, id)
		assert.ErrorIs(t, store.Delete(id), ErrInvalidRecordingID, id)
	}
}

func TestArchiveImportRoundTrip(t *testing.T) {
	r := newRecorder(t, 0)
	rec, err := r.Start("archived", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.Write([]byte{0x89, 'P', 'N', 'G', byte(i)})
		require.NoError(t, err)
	}
	_, err = r.Stop()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Store().Archive(rec.ID, &buf))

	other, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	imported, err := other.Import(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, imported.ID)
	assert.Equal(t, 3, imported.FrameCount)

	frames, err := other.GetFrames(rec.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, byte(2), frames[2].Image[4])

	assert.ErrorIs(t, r.Store().Archive("missing", &bytes.Buffer{}), ErrRecordingNotFound)
}

func TestRecorderStepsOverOccupiedFrameIndex(t *testing.T) {
	r := newRecorder(t, 0)
	rec, err := r.Start("", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := r.Write([]byte("x"))
		require.NoError(t, err)
	}

	dir := filepath.Join(r.Store().Root(), rec.ID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FrameName(3)), []byte("stray"), 0644))

	for i := 0; i < 3; i++ {
		ok, err := r.Write([]byte("y"))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, 6, stopped.FrameCount)

	files, err := r.Store().CountFrames(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, files, stopped.FrameCount)

	stray, err := os.ReadFile(filepath.Join(dir, FrameName(3)))
	require.NoError(t, err)
	assert.Equal(t, "stray", string(stray))
}

func TestDeleteReportsPartialFailure(t *testing.T) {
	r := newRecorder(t, 0)
	rec, err := r.Start("", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.Write([]byte("x"))
		require.NoError(t, err)
	}
	_, err = r.Stop()
	require.NoError(t, err)

	store := r.Store()
	locked := errors.New("device busy")
	store.remove = func(path string) error {
		if filepath.Base(path) == FrameName(2) {
			return locked
		}
		return os.RemoveAll(path)
	}

	err = store.Delete(rec.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, locked)
	assert.Contains(t, err.Error(), FrameName(2))

	dir := filepath.Join(store.Root(), rec.ID)
	_, err = os.Stat(dir)
	assert.NoError(t, err, "directory is kept while files remain")
	_, err = os.Stat(filepath.Join(dir, FrameName(2)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, FrameName(1)))
	assert.True(t, os.IsNotExist(err))
}

func writeArchive(t *testing.T, entries map[string]string, order []string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		body := entries[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestImportCleansUpOnFailure(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	t.Run("foreign entry", func(t *testing.T) {
		archive := writeArchive(t, map[string]string{
			"rec-a/" + FrameName(1): "png",
			"rec-b/" + FrameName(1): "png",
		}, []string{"rec-a/" + FrameName(1), "rec-b/" + FrameName(1)})

		_, err := store.Import(archive)
		assert.ErrorIs(t, err, ErrInvalidArchive)
		_, statErr := os.Stat(filepath.Join(store.Root(), "rec-a"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("missing metadata", func(t *testing.T) {
		archive := writeArchive(t, map[string]string{
			"rec-c/" + FrameName(1): "png",
		}, []string{"rec-c/" + FrameName(1)})

		_, err := store.Import(archive)
		assert.ErrorIs(t, err, ErrInvalidArchive)
		_, statErr := os.Stat(filepath.Join(store.Root(), "rec-c"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("not gzip", func(t *testing.T) {
		_, err := store.Import(bytes.NewBufferString("plain text"))
		assert.ErrorIs(t, err, ErrInvalidArchive)
	})

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestImportLeavesExistingRecordingUntouched(t *testing.T) {
	r := newRecorder(t, 0)
	rec, err := r.Start("kept", nil)
	require.NoError(t, err)
	_, err = r.Write([]byte("x"))
	require.NoError(t, err)
	_, err = r.Stop()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Store().Archive(rec.ID, &buf))

	_, err = r.Store().Import(&buf)
	assert.ErrorIs(t, err, fs.ErrExist)

	stored, err := r.Store().Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FrameCount)
}
