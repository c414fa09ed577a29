package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"radiolink/internal/logging"
)

const archiveExt = ".zip"

// Entry describes a file stored in an archive.
type Entry struct {
	Name           string
	Index          int
	Size           int64
	CompressedSize int64
}

// Accumulator manages per-patient archives inside a single directory.
type Accumulator struct {
	dir    string
	logger *slog.Logger
}

// New returns an Accumulator rooted at dir. The directory is created on first append.
func New(dir string, logger *slog.Logger) *Accumulator {
	return &Accumulator{dir: dir, logger: logging.NewComponentLogger(logger, "archive")}
}

// Dir returns the archive directory.
func (a *Accumulator) Dir() string {
	return a.dir
}

// Path returns the archive location for a patient, whether or not it exists.
func (a *Accumulator) Path(patientID string) string {
	return filepath.Join(a.dir, SafeName(patientID)+archiveExt)
}

// Exists reports whether the patient has an archive on disk.
func (a *Accumulator) Exists(patientID string) bool {
	info, err := os.Stat(a.Path(patientID))
	return err == nil && info.Mode().IsRegular()
}

// Append adds filePath to the patient's archive under its base name and
// deletes the source file. On error the source file is left untouched.
func (a *Accumulator) Append(patientID, filePath string) (Entry, error) {
	if strings.TrimSpace(patientID) == "" {
		return Entry{}, errors.New("append: patient id is required")
	}
	src, err := os.Open(filePath)
	if err != nil {
		return Entry{}, fmt.Errorf("open source %q: %w", filePath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("stat source %q: %w", filePath, err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("source %q is not a regular file", filePath)
	}

	var entry Entry
	err = a.rewrite(patientID, func(existing []*zip.File, zw *zip.Writer) error {
		taken := make(map[string]struct{}, len(existing))
		for _, f := range existing {
			taken[f.Name] = struct{}{}
			if err := zw.Copy(f); err != nil {
				return fmt.Errorf("copy entry %q: %w", f.Name, err)
			}
		}
		header := &zip.FileHeader{
			Name:     uniqueName(filepath.Base(filePath), taken),
			Method:   zip.Deflate,
			Modified: info.ModTime(),
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create entry %q: %w", header.Name, err)
		}
		written, err := io.Copy(w, src)
		if err != nil {
			return fmt.Errorf("write entry %q: %w", header.Name, err)
		}
		entry = Entry{Name: header.Name, Index: len(existing), Size: written}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	if compressed, err := a.entrySize(patientID, entry.Index); err == nil {
		entry.CompressedSize = compressed
	}

	src.Close()
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(a.logger, "source file not removed after archiving", "archive_source_cleanup_failed",
			logging.Patient(patientID),
			logging.String("path", filePath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the file manually; it is already in the archive"),
			logging.String(logging.FieldImpact, "staging directory keeps a duplicate copy"),
		)
	}
	return entry, nil
}

// Count returns the number of entries in the patient's archive (0 when absent).
func (a *Accumulator) Count(patientID string) (int, error) {
	entries, err := a.Entries(patientID)
	return len(entries), err
}

// Entries lists the archive entry names in order.
func (a *Accumulator) Entries(patientID string) ([]string, error) {
	zr, err := zip.OpenReader(a.Path(patientID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive for %q: %w", patientID, err)
	}
	defer zr.Close()
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
	}
	return names, nil
}

// Open returns a read handle on the patient's archive. A later Append
// replaces the file by rename, so the handle keeps reading the version it
// opened.
func (a *Accumulator) Open(patientID string) (*os.File, error) {
	f, err := os.Open(a.Path(patientID))
	if err != nil {
		return nil, fmt.Errorf("open archive for %q: %w", patientID, err)
	}
	return f, nil
}

// Delete removes the patient's archive. A missing archive is not an error.
func (a *Accumulator) Delete(patientID string) error {
	if err := os.Remove(a.Path(patientID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete archive for %q: %w", patientID, err)
	}
	return nil
}

// Trim drops the first skip entries, keeping files that arrived after an
// upload started. Trimming every entry deletes the archive.
func (a *Accumulator) Trim(patientID string, skip int) error {
	if skip <= 0 {
		return nil
	}
	count, err := a.Count(patientID)
	if err != nil {
		return err
	}
	if skip >= count {
		return a.Delete(patientID)
	}
	return a.rewrite(patientID, func(existing []*zip.File, zw *zip.Writer) error {
		for _, f := range existing[skip:] {
			if err := zw.Copy(f); err != nil {
				return fmt.Errorf("copy entry %q: %w", f.Name, err)
			}
		}
		return nil
	})
}

// List returns the paths of every archive in the directory.
func (a *Accumulator) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*"+archiveExt))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return matches, nil
}

// rewrite builds a new archive from the current one through fill and
// atomically replaces it.
func (a *Accumulator) rewrite(patientID string, fill func(existing []*zip.File, zw *zip.Writer) error) (err error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	target := a.Path(patientID)

	var existing []*zip.File
	zr, err := zip.OpenReader(target)
	switch {
	case err == nil:
		defer zr.Close()
		existing = zr.File
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read archive for %q: %w", patientID, err)
	}

	tmp, err := os.CreateTemp(a.dir, "."+SafeName(patientID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	if err = fill(existing, zw); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err = os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	syncDir(a.dir)
	return nil
}

func (a *Accumulator) entrySize(patientID string, index int) (int64, error) {
	zr, err := zip.OpenReader(a.Path(patientID))
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	if index < 0 || index >= len(zr.File) {
		return 0, fmt.Errorf("entry %d out of range", index)
	}
	return int64(zr.File[index].CompressedSize64), nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// uniqueName returns name, or name with a numeric suffix before its extension
// when name is already taken.
func uniqueName(name string, taken map[string]struct{}) string {
	if _, ok := taken[name]; !ok {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// SafeName maps a patient id onto a file name. Ids that need sanitizing get a
// hash suffix so distinct ids never share an archive.
func SafeName(patientID string) string {
	var b strings.Builder
	for _, r := range patientID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	safe := strings.Trim(b.String(), ".")
	if safe == patientID && safe != "" {
		return safe
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(patientID))
	return fmt.Sprintf("%s-%08x", safe, h.Sum32())
}
