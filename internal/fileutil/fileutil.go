package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned when a stream exceeds the caller's size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// WriteStream writes r to dst through a temp file in the same directory and
// renames it into place, so dst either holds the full stream or does not
// exist. maxBytes <= 0 disables the limit. It returns the bytes written.
func WriteStream(dst string, r io.Reader, maxBytes int64) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		return written, fmt.Errorf("write %s: %w", dst, err)
	}
	if maxBytes > 0 && written > maxBytes {
		err = fmt.Errorf("%s: %w (%d bytes)", filepath.Base(dst), ErrTooLarge, maxBytes)
		return written, err
	}
	if err = tmp.Sync(); err != nil {
		return written, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, dst); err != nil {
		return written, fmt.Errorf("rename into %s: %w", dst, err)
	}
	return written, nil
}
