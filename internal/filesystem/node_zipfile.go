package filesystem

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

var (
	_ fs.Node            = (*zipBaseFileNode)(nil)
	_ fs.Node            = (*zipInMemoryFileNode)(nil)
	_ fs.NodeOpener      = (*zipInMemoryFileNode)(nil)
	_ fs.HandleReadAller = (*zipInMemoryFileNode)(nil)
	_ fs.Node            = (*zipDiskStreamFileNode)(nil)
	_ fs.NodeOpener      = (*zipDiskStreamFileNode)(nil)
	_ fs.Handle          = (*zipDiskStreamFileHandle)(nil)
	_ fs.HandleReader    = (*zipDiskStreamFileHandle)(nil)
	_ fs.HandleReleaser  = (*zipDiskStreamFileHandle)(nil)
)

// zipBaseFileNode is a file member of a ZIP archive, presented as a regular
// read-only file in the mirrored filesystem.
//
// To be embedded into either [zipInMemoryFileNode] or [zipDiskStreamFileNode],
// depending on which [Options.StreamingThreshold] was set.
type zipBaseFileNode struct {
	fsys *FS

	inode   uint64
	archive string
	path    string
	size    uint64
	mtime   time.Time
}

func (z *zipBaseFileNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Valid = attrTTL
	a.Mode = fileBasePerm
	a.Inode = z.inode
	a.Size = z.size

	a.Atime = z.mtime
	a.Ctime = z.mtime
	a.Mtime = z.mtime

	return nil
}

// zipInMemoryFileNode is a [zipBaseFileNode] that implements only
// [fs.HandleReadAller], reading the entire member into memory at once.
type zipInMemoryFileNode struct {
	*zipBaseFileNode
}

func (z *zipInMemoryFileNode) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.ToErrno(syscall.EACCES)
	}

	// ZIP archives are immutable once mounted, so we keep caching enabled.
	resp.Flags |= fuse.OpenKeepCache

	return z, nil
}

func (z *zipInMemoryFileNode) ReadAll(_ context.Context) ([]byte, error) {
	zr, fr, err := z.fsys.archives.Entry(z.archive, z.path)
	if err != nil {
		z.fsys.rbuf.Printf("Error: %q/%q->ReadAll: %v", z.archive, z.path, err)

		return nil, z.fsys.fsError(err)
	}
	defer func() { _ = fr.Close() }()
	defer func() { _ = zr.Release() }()

	data, err := io.ReadAll(fr)
	if err != nil {
		z.fsys.rbuf.Printf("Error: %q/%q->ReadAll: %v", z.archive, z.path, err)

		return nil, z.fsys.fsError(toFuseErr(err))
	}

	return data, nil
}

// zipDiskStreamFileNode is a [zipBaseFileNode] that opens to a
// [zipDiskStreamFileHandle], streaming a large member across many reads
// instead of buffering it into memory in one shot.
type zipDiskStreamFileNode struct {
	*zipBaseFileNode
}

func (z *zipDiskStreamFileNode) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.ToErrno(syscall.EACCES)
	}

	zr, fr, err := z.fsys.archives.Entry(z.archive, z.path)
	if err != nil {
		z.fsys.rbuf.Printf("Error: %q/%q->Open: %v", z.archive, z.path, err)

		return nil, z.fsys.fsError(err)
	}

	// ZIP archives are immutable once mounted, so we keep caching enabled.
	resp.Flags |= fuse.OpenKeepCache

	return &zipDiskStreamFileHandle{
		fsys:    z.fsys,
		archive: z.archive,
		path:    z.path,
		zr:      zr,
		fr:      fr,
	}, nil
}

// zipDiskStreamFileHandle is a [fs.Handle] returned when opening a
// [zipDiskStreamFileNode]. Reads are served off a single [memberReader],
// skipping it forward (or, when it is not seekable, reopening the member
// from scratch) to satisfy whatever offset the kernel next asks for.
type zipDiskStreamFileHandle struct {
	mu sync.Mutex

	fsys    *FS
	archive string
	path    string

	zr *archiveHandle
	fr *memberReader
}

func (h *zipDiskStreamFileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := startOp(h.fsys, true)
	defer m.Done()

	if _, err := h.fr.SkipTo(req.Offset); err != nil {
		if !errors.Is(err, errRewindNeeded) {
			h.fsys.rbuf.Printf("Error: %q/%q->Read: %v", h.archive, h.path, err)

			return h.fsys.fsError(toFuseErr(err))
		}

		if rerr := h.reopen(); rerr != nil {
			h.fsys.rbuf.Printf("Error: %q/%q->Read (rewind): %v", h.archive, h.path, rerr)

			return h.fsys.fsError(rerr)
		}

		if _, err := h.fr.SkipTo(req.Offset); err != nil {
			h.fsys.rbuf.Printf("Error: %q/%q->Read: %v", h.archive, h.path, err)

			return h.fsys.fsError(toFuseErr(err))
		}
	}

	bufPtr, _ := h.fsys.streamBufPool.Get().(*[]byte)

	buf := *bufPtr
	hit := cap(buf) >= req.Size

	if hit {
		buf = buf[:req.Size]
	} else {
		buf = make([]byte, req.Size)
	}

	n, err := io.ReadFull(h.fr, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		h.fsys.rbuf.Printf("Error: %q/%q->Read: %v", h.archive, h.path, err)

		return h.fsys.fsError(toFuseErr(err))
	}

	resp.Data = append([]byte(nil), buf[:n]...)
	m.bytes = int64(n)

	if hit {
		h.fsys.Metrics.TotalStreamPoolHits.Add(1)
		h.fsys.Metrics.TotalStreamPoolHitBytes.Add(int64(n))
	} else {
		h.fsys.Metrics.TotalStreamPoolMisses.Add(1)
		h.fsys.Metrics.TotalStreamPoolMissBytes.Add(int64(n))
	}

	h.fsys.streamBufPool.Put(bufPtr)

	return nil
}

func (h *zipDiskStreamFileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_ = h.fr.Close()

	return h.zr.Release() //nolint:wrapcheck
}

// reopen discards the current reader and opens the same ZIP member fresh,
// used to satisfy a backward seek on a non-seekable reader.
func (h *zipDiskStreamFileHandle) reopen() error {
	f := h.fr.member

	_ = h.fr.Close()

	fr, err := openMember(h.fsys, f)
	if err != nil {
		return fuse.ToErrno(syscall.EINVAL)
	}

	h.fr = fr
	h.fsys.Metrics.TotalReopenedEntries.Add(1)
	h.fsys.Metrics.TotalStreamRewinds.Add(1)

	return nil
}
