// Package capture takes periodic screenshots of a session and persists recordings
// as numbered frame files with a metadata checkpoint.
package capture

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

const metadataFile = "metadata.json"

var (
	// ErrRecordingNotFound is returned for ids with no stored recording
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrInvalidRecordingID is returned for ids that are not a single path component
	ErrInvalidRecordingID = errors.New("invalid recording id")
	// ErrInvalidArchive is returned by Import for archives it cannot restore
	ErrInvalidArchive = errors.New("invalid recording archive")
)

// validateRecordingID rejects ids that could escape the store root
func validateRecordingID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRecordingID)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidRecordingID, id)
	}
	return nil
}

// FrameName is the file name of frame index within a recording directory
func FrameName(index int) string {
	return fmt.Sprintf("frame_%06d.png", index)
}

func frameIndex(name string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(name, "frame_%06d.png", &n); err != nil || FrameName(n) != name {
		return 0, false
	}
	return n, true
}

// Store is the on-disk layout: <root>/<recording-id>/{metadata.json,frame_000001.png,...}
type Store struct {
	root   string
	logger *zap.Logger
	remove func(path string) error
}

// NewStore creates the root directory if needed
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   root,
		logger: logger.With(zap.String("component", "recording_store")),
		remove: os.RemoveAll,
	}, nil
}

// Root returns the store directory
func (s *Store) Root() string { return s.root }

func (s *Store) dir(id string) (string, error) {
	if err := validateRecordingID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

// create makes the directory for a new recording
func (s *Store) create(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recording directory: %w", err)
	}
	return dir, nil
}

// writeFrame writes a frame file once. An existing file is never overwritten and
// a failed write leaves no partial file behind.
func (s *Store) writeFrame(dir string, index int, image []byte) error {
	path := filepath.Join(dir, FrameName(index))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(image)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// writeMetadata replaces metadata.json atomically via a temp file and rename
func (s *Store) writeMetadata(dir string, rec models.Recording) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, metadataFile))
}

// Get reads one recording's metadata
func (s *Store) Get(id string) (models.Recording, error) {
	dir, err := s.dir(id)
	if err != nil {
		return models.Recording{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return models.Recording{}, ErrRecordingNotFound
	}
	if err != nil {
		return models.Recording{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var rec models.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Recording{}, fmt.Errorf("failed to parse metadata for %s: %w", id, err)
	}
	return rec, nil
}

// List returns every stored recording, oldest first. Directories with unreadable
// metadata are skipped and logged.
func (s *Store) List() ([]models.Recording, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}
	out := make([]models.Recording, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil {
			s.logger.Warn("skipping recording", zap.String("recording", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// frameFiles returns the frame indexes present on disk, ascending
func (s *Store) frameFiles(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var idx []int
	for _, e := range entries {
		if n, ok := frameIndex(e.Name()); ok && !e.IsDir() {
			idx = append(idx, n)
		}
	}
	sort.Ints(idx)
	return idx, nil
}

// CountFrames returns the number of frame files stored for id
func (s *Store) CountFrames(id string) (int, error) {
	dir, err := s.dir(id)
	if err != nil {
		return 0, err
	}
	idx, err := s.frameFiles(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrRecordingNotFound
	}
	return len(idx), err
}

// GetFrames loads frames with from <= index <= to. to <= 0 means through the last frame.
func (s *Store) GetFrames(id string, from, to int) ([]models.Frame, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	idx, err := s.frameFiles(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	if from < 1 {
		from = 1
	}

	var frames []models.Frame
	for _, n := range idx {
		if n < from || (to > 0 && n > to) {
			continue
		}
		path := filepath.Join(dir, FrameName(n))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", n, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		frames = append(frames, models.Frame{Index: n, Image: data, Timestamp: info.ModTime()})
	}
	return frames, nil
}

// Delete removes every file of a recording. Each failure is collected and returned
// together; the directory itself is removed only when all files are gone.
func (s *Store) Delete(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return ErrRecordingNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read recording directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := s.remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Name(), err))
		}
	}
	if len(errs) == 0 {
		if err := os.Remove(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove directory: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("recording deletion incomplete", zap.String("recording", id), zap.Int("failures", len(errs)))
		return err
	}
	s.logger.Info("recording deleted", zap.String("recording", id))
	return nil
}

// Archive writes a recording directory to w as tar.gz
func (s *Store) Archive(id string, w io.Writer) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrRecordingNotFound
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir || strings.HasPrefix(info.Name(), ".metadata-") {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(id, rel))

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tarWriter, file)
		return err
	})

	return errors.Join(walkErr, tarWriter.Close(), gzWriter.Close())
}

// Import restores a recording from an archive produced by Archive. An existing
// recording with the same id is left untouched and a failed import leaves nothing
// behind.
func (s *Store) Import(r io.Reader) (rec models.Recording, err error) {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return models.Recording{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	defer gzReader.Close()
	tarReader := tar.NewReader(gzReader)

	var id string
	created := false
	defer func() {
		if err != nil && created {
			if rerr := s.remove(filepath.Join(s.root, id)); rerr != nil {
				s.logger.Warn("failed to clean up partial import", zap.String("recording", id), zap.Error(rerr))
			}
		}
	}()

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return models.Recording{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		parts := strings.Split(header.Name, "/")
		if len(parts) != 2 {
			return models.Recording{}, fmt.Errorf("%w: unexpected entry %q", ErrInvalidArchive, header.Name)
		}
		if id == "" {
			if err := validateRecordingID(parts[0]); err != nil {
				return models.Recording{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
			}
			if _, err := s.create(parts[0]); err != nil {
				return models.Recording{}, err
			}
			id, created = parts[0], true
		}
		if parts[0] != id || validateRecordingID(parts[1]) != nil {
			return models.Recording{}, fmt.Errorf("%w: unexpected entry %q", ErrInvalidArchive, header.Name)
		}

		out, err := os.OpenFile(filepath.Join(s.root, id, parts[1]), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return models.Recording{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return models.Recording{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		if err := out.Close(); err != nil {
			return models.Recording{}, err
		}
	}
	if id == "" {
		return models.Recording{}, fmt.Errorf("%w: no entries", ErrInvalidArchive)
	}
	rec, err = s.Get(id)
	if err != nil {
		return models.Recording{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	s.logger.Info("recording imported", zap.String("recording", id), zap.Int("frames", rec.FrameCount))
	return rec, nil
}
