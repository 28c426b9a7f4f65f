package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/zip"
)

// archiveHandle is an open ZIP archive shared between the cache and any
// number of in-flight requests. The parsed central directory is immutable,
// so concurrent readers only need their own [memberReader] cursors; the
// handle itself just counts references and closes the backing descriptor
// once the last holder lets go.
type archiveHandle struct {
	fsys *FS
	zip  *zip.ReadCloser
	refs atomic.Int32
}

// openArchive opens and parses the ZIP archive at path. The open descriptor
// is counted against the filesystem's FD budget for as long as the handle
// lives. The returned handle carries one reference owned by the caller;
// every holder must pair up with exactly one Release.
func openArchive(fsys *FS, path string) (*archiveHandle, error) {
	fsys.fdlimit <- struct{}{}

	rc, err := zip.OpenReader(path)
	if err != nil {
		<-fsys.fdlimit

		return nil, err //nolint:wrapcheck
	}

	fsys.Metrics.OpenZips.Add(1)
	fsys.Metrics.TotalOpenedZips.Add(1)

	h := &archiveHandle{fsys: fsys, zip: rc}
	h.refs.Store(1)

	return h, nil
}

// Members exposes the archive's parsed central directory.
func (h *archiveHandle) Members() []*zip.File {
	return h.zip.File
}

// Member returns the member stored under exactly the given name,
// or nil when the archive holds no such member.
func (h *archiveHandle) Member(name string) *zip.File {
	for _, f := range h.zip.File {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// Acquire takes an additional reference for a new holder of the handle.
func (h *archiveHandle) Acquire() {
	h.refs.Add(1)
}

// Release drops the caller's reference. The holder that brings the count
// to zero closes the archive and returns its descriptor to the FD budget;
// for the other holders this is a no-op returning nil. A Release on a
// handle that is already closed changes nothing and returns an error
// wrapping [os.ErrClosed].
func (h *archiveHandle) Release() error {
	refs := h.refs.Add(-1)
	if refs > 0 {
		return nil
	}

	if refs < 0 {
		return fmt.Errorf("archive handle: %w", os.ErrClosed)
	}

	defer func() {
		<-h.fsys.fdlimit
	}()

	h.fsys.Metrics.OpenZips.Add(-1)
	h.fsys.Metrics.TotalClosedZips.Add(1)

	return h.zip.Close() //nolint:wrapcheck
}

var (
	_ io.ReadCloser = (*memberReader)(nil)

	// errRewindNeeded reports a backward SkipTo on a source that cannot
	// seek; the caller recovers by reopening the member from the start.
	errRewindNeeded = errors.New("rewind needed on non-seekable member")
)

// memberReader reads one member's uncompressed bytes while tracking the
// current position, so kernel-requested offsets can be reached cheaply.
// Stored members opened raw sit on a section reader and seek in either
// direction; compressed members can only discard bytes forward.
//
// A memberReader is not safe for concurrent use. When two requests need
// the same member at once, each opens its own reader from the shared
// [zip.File] (kept in the member field for exactly that purpose).
type memberReader struct {
	member *zip.File
	src    io.Reader
	off    int64
}

// openMember positions a new [memberReader] at the start of f. Stored
// members skip decompression (and with it the checksum pass) through
// OpenRaw, unless the integrity-checking option forces the decoded path.
// Close the reader once done with it.
func openMember(fsys *FS, f *zip.File) (*memberReader, error) {
	var src io.Reader
	var err error

	if f.Method == zip.Store && !fsys.Options.MustCRC32.Load() {
		src, err = f.OpenRaw()
	} else {
		src, err = f.Open()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}

	return &memberReader{member: f, src: src}, nil
}

// Read hands through to the underlying source, advancing the position by
// however many bytes actually arrived.
func (mr *memberReader) Read(p []byte) (int, error) {
	n, err := mr.src.Read(p)
	mr.off += int64(n)

	return n, err //nolint:wrapcheck
}

// SkipTo moves the position to offset and reports where the reader now
// stands. Seekable sources seek directly; everything else discards bytes
// forward, and answers a backward request with [errRewindNeeded].
func (mr *memberReader) SkipTo(offset int64) (int64, error) {
	if offset == mr.off {
		return mr.off, nil
	}

	if s, ok := mr.src.(io.Seeker); ok {
		n, err := s.Seek(offset, io.SeekStart)
		mr.off = n
		if err != nil {
			return mr.off, fmt.Errorf("failed to seek: %w", err)
		}

		return mr.off, nil
	}

	if offset < mr.off {
		return mr.off, fmt.Errorf("%w (at %d, want %d)", errRewindNeeded, mr.off, offset)
	}

	n, err := io.CopyN(io.Discard, mr.src, offset-mr.off)
	mr.off += n
	if err != nil && !errors.Is(err, io.EOF) {
		return mr.off, fmt.Errorf("failed to discard: %w", err)
	}

	return mr.off, nil
}

// Offset is the current position within the member's uncompressed bytes.
func (mr *memberReader) Offset() int64 {
	return mr.off
}

// Close releases the underlying source. Raw stored sources are plain
// section readers with nothing to close, so this becomes a no-op there.
func (mr *memberReader) Close() error {
	if c, ok := mr.src.(io.ReadCloser); ok {
		return c.Close() //nolint:wrapcheck
	}

	return nil
}
