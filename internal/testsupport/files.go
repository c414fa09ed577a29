package testsupport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path (and its parents) holding size bytes of a repeating
// pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) string {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	return WriteContent(t, path, bytes.Repeat([]byte{0x42}, int(size)))
}

// WriteContent creates path (and its parents) holding content.
func WriteContent(t testing.TB, path string, content []byte) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// StudyFile writes a uniquely named instance file under dir whose payload
// identifies the patient and sequence number, and returns its path.
func StudyFile(t testing.TB, dir, patientID string, seq int) string {
	t.Helper()

	name := fmt.Sprintf("%s-%04d.dcm", patientID, seq)
	return WriteContent(t, filepath.Join(dir, name), []byte(fmt.Sprintf("DICM %s #%d", patientID, seq)))
}
