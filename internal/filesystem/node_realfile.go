package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

var (
	_ fs.Node           = (*realFileNode)(nil)
	_ fs.NodeOpener     = (*realFileNode)(nil)
	_ fs.Handle         = (*realFileHandle)(nil)
	_ fs.HandleReader   = (*realFileHandle)(nil)
	_ fs.HandleReleaser = (*realFileHandle)(nil)
)

// realFileNode is a regular, non-ZIP file of the mirrored filesystem,
// reported with the host's own attributes verbatim.
type realFileNode struct {
	fsys  *FS
	inode uint64
	path  string
	size  uint64
	mode  os.FileMode
	mtime time.Time
}

func (f *realFileNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Valid = attrTTL
	a.Mode = f.mode
	a.Inode = f.inode
	a.Size = f.size

	a.Atime = f.mtime
	a.Ctime = f.mtime
	a.Mtime = f.mtime

	return nil
}

// Open rejects any write intent (the mount is read-only) and otherwise
// opens the host file, registering it in the [FS]'s [OpenFileTable]
// under a freshly allocated, nonzero handle.
func (f *realFileNode) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.ToErrno(syscall.EACCES)
	}

	file, err := os.Open(f.path)
	if err != nil {
		f.fsys.rbuf.Printf("Error: %q->Open: %v", f.path, err)

		return nil, f.fsys.fsError(toFuseErr(err))
	}

	handle := f.fsys.openFiles.Insert(&OpenFile{file: file})

	resp.Flags |= fuse.OpenKeepCache

	return &realFileHandle{fsys: f.fsys, path: f.path, handle: handle}, nil
}

// realFileHandle is a [fs.Handle] returned when opening a [realFileNode],
// backed by an entry in the [FS]'s [OpenFileTable].
type realFileHandle struct {
	fsys   *FS
	path   string
	handle uint64
}

// Read locates the [OpenFile], seeks to the requested offset, then reads
// up to the requested size. A short read at EOF is legal and returns
// however many bytes were read.
func (h *realFileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	of, ok := h.fsys.openFiles.Get(h.handle)
	if !ok {
		return fuse.ToErrno(syscall.EBADF)
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	if _, err := of.file.Seek(req.Offset, io.SeekStart); err != nil {
		h.fsys.rbuf.Printf("Error: %q->Read: %v", h.path, err)

		return h.fsys.fsError(toFuseErr(err))
	}

	buf := make([]byte, req.Size)

	n, err := io.ReadFull(of.file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		h.fsys.rbuf.Printf("Error: %q->Read: %v", h.path, err)

		return h.fsys.fsError(toFuseErr(err))
	}
	of.offset = req.Offset + int64(n)

	resp.Data = buf[:n]

	return nil
}

// Release removes and closes the [OpenFile] registered for this handle.
func (h *realFileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	if err := h.fsys.openFiles.Remove(h.handle); err != nil {
		return h.fsys.fsError(toFuseErr(err)) //nolint:wrapcheck
	}

	return nil
}
