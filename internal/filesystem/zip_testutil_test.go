package filesystem

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// createTestZip writes a Store-method ZIP archive named name under dir,
// containing entries in the given order, and returns its full host path.
// An entry whose Path ends in "/" is written as a directory marker (no
// content); every other entry is written as a regular Stored file.
func createTestZip(t *testing.T, dir, name string, entries []struct {
	Path    string
	ModTime time.Time
	Content []byte
},
) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o777))

	zipPath := filepath.Join(dir, name)

	f, err := os.Create(zipPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Store,
			Modified: e.ModTime,
		}

		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)

		if len(e.Content) > 0 {
			_, err = w.Write(e.Content)
			require.NoError(t, err)
		}
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return zipPath
}

// createTestEncryptedZip writes a ZIP archive named name under dir whose
// single member entry carries the encryption flag bit (the written bytes
// themselves are not actually ciphered), and returns its full host path.
func createTestEncryptedZip(t *testing.T, dir, name, entryPath string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o777))

	zipPath := filepath.Join(dir, name)

	f, err := os.Create(zipPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	hdr := &zip.FileHeader{
		Name:     entryPath,
		Method:   zip.Store,
		Modified: time.Now(),
		Flags:    0x1, // encryption bit
	}

	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)

	_, err = w.Write([]byte("unreadable"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return zipPath
}

// createTestZipFilePtr returns a bare *zip.File carrying only the given
// name in its header, for unit-testing path-normalization helpers without
// writing an archive to disk.
func createTestZipFilePtr(t *testing.T, name string) *zip.File {
	t.Helper()

	return &zip.File{FileHeader: zip.FileHeader{Name: name}}
}

// createZipFilePtr is an alias of [createTestZipFilePtr] used by tests
// exercising the flattened (single-level) directory listing.
func createZipFilePtr(t *testing.T, name string) *zip.File {
	t.Helper()

	return createTestZipFilePtr(t, name)
}
