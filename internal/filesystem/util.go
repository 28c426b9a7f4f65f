package filesystem

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"bazil.org/fuse"
	"github.com/klauspost/compress/zip"
)

// opTimer measures one metadata or extraction operation for the [Metrics]
// counters. Start one with [startOp], mutate bytes as data flows, and call
// Done when the operation finishes.
type opTimer struct {
	fsys    *FS
	extract bool
	began   time.Time
	bytes   int64
}

// startOp begins a new measurement, extract selecting which counter family
// the result lands in (extraction vs. metadata reads).
func startOp(fsys *FS, extract bool) *opTimer {
	return &opTimer{fsys: fsys, extract: extract, began: time.Now()}
}

// Done books the elapsed time (and, for extractions, the byte count)
// into the filesystem metrics.
func (o *opTimer) Done() {
	elapsed := time.Since(o.began).Nanoseconds()
	m := o.fsys.Metrics

	if o.extract {
		m.TotalExtractTime.Add(elapsed)
		m.TotalExtractCount.Add(1)
		m.TotalExtractBytes.Add(o.bytes)

		return
	}

	m.TotalMetadataReadTime.Add(elapsed)
	m.TotalMetadataReadCount.Add(1)
}

// toFuseErr maps an error chain onto the errno the kernel should see:
// a [syscall.Errno] anywhere in the chain wins, then the not-exist and
// permission classifications, and anything unrecognized reports EIO.
func toFuseErr(err error) error {
	var errno syscall.Errno

	switch {
	case errors.As(err, &errno):
		return fuse.ToErrno(errno)

	case os.IsNotExist(err):
		return fuse.ToErrno(syscall.ENOENT)

	case os.IsPermission(err):
		return fuse.ToErrno(syscall.EACCES)
	}

	return fuse.ToErrno(syscall.EIO)
}

// isDir checks if [zip.File] is a directory either by mode or normalized path.
func isDir(f *zip.File, normalizedPath string) bool {
	return f.FileInfo().IsDir() || strings.HasSuffix(normalizedPath, "/")
}

// isEncrypted checks if [zip.File] has its encryption bit set. Encrypted
// members cannot be decoded, so they are presented as (empty) directories
// rather than as unreadable files.
func isEncrypted(f *zip.File) bool {
	return f.Flags&0x1 != 0
}

// flatEntryName flattens a normalized member path down to a single
// filename for the flattened presentation. The member's archive index is
// suffixed onto the stem so that members from different directories
// cannot collide. Paths that clean down to nothing usable report false.
func flatEntryName(index int, normalizedPath string) (string, bool) {
	cleaned := filepath.Clean(normalizedPath)
	if strings.HasPrefix(cleaned, "..") {
		return cleaned, false
	}

	base := filepath.Base(cleaned)
	if base == "." || base == ".." || base == "/" {
		return base, false
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	return stem + "(" + strconv.Itoa(index) + ")" + ext, true
}

// normalizeZipPath produces the member name the filesystem works with:
// forward slashes only, no doubled or leading separators, and valid UTF-8
// when forceUnicode allows generating replacement names. Non-UTF8 names
// first try the Unicode Path extra field before any salvaging happens.
func normalizeZipPath(index int, f *zip.File, forceUnicode bool) string {
	path := f.Name
	unicode := utf8.ValidString(path)

	if !unicode {
		if p, ok := unicodeNameFromExtra(f); ok {
			path, unicode = p, true
		}
	}

	path = filepath.ToSlash(path)
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimPrefix(path, "/")

	if !unicode && forceUnicode {
		// Salvaging splits on "/", so the separators must be clean first.
		path = salvageNonUnicode(index, path)
	}

	return path
}

// unicodeNameFromExtra scans a member's extra fields for the Info-ZIP
// Unicode Path field (header ID 0x7075: a version byte and a 4-byte CRC,
// then the UTF-8 name).
//
//nolint:mnd
func unicodeNameFromExtra(f *zip.File) (string, bool) {
	extra := f.Extra

	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		extra = extra[4:]

		if size > len(extra) {
			break // malformed field, stop scanning
		}

		field := extra[:size]
		extra = extra[size:]

		if id != 0x7075 || len(field) < 5 {
			continue
		}

		if name := field[5:]; utf8.Valid(name) {
			return string(name), true
		}
	}

	return "", false
}

// salvageNonUnicode rewrites the non-UTF8 components of a cleaned member
// path into stable generated names, keeping every component that already
// decodes. Directory components map through a fixed-length hash so the
// same directory always lands on the same name; the final component keeps
// its extension when that part survives decoding, and is otherwise named
// after the member's archive index.
func salvageNonUnicode(index int, path string) string {
	parts := strings.Split(path, "/")

	for i, part := range parts {
		if part == "" || utf8.ValidString(part) {
			continue
		}

		if i < len(parts)-1 { // directory component
			sum := fmt.Sprintf("%x", sha1.Sum([]byte(part)))
			parts[i] = "noutf8_dir_" + sum[:hashDigits]

			continue
		}

		ext := filepath.Ext(part)
		if !utf8.ValidString(ext) {
			ext = "" // We can't guess it, so drop it.
		}
		parts[i] = fmt.Sprintf("noutf8_file(%d)%s", index, ext)
	}

	return strings.Join(parts, "/")
}
