package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

var (
	_ fs.Node               = (*realDirNode)(nil)
	_ fs.HandleReadDirAller = (*realDirNode)(nil)
	_ fs.NodeStringLookuper = (*realDirNode)(nil)
)

// realDirNode is an actual regular directory within the mirrored filesystem.
// It is presented also as a regular directory within our filesystem, listing
// all of its entries, with contained ZIP archives presented as directories.
type realDirNode struct {
	fsys  *FS
	inode uint64
	path  string
	mtime time.Time
}

func (d *realDirNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Valid = attrTTL
	a.Mode = os.ModeDir | dirBasePerm
	a.Inode = d.inode

	a.Atime = d.mtime
	a.Ctime = d.mtime
	a.Mtime = d.mtime

	return nil
}

// ReadDirAll mirrors the host directory verbatim, except that ZIP archives
// are re-labeled as directories so that consumers can descend into them.
// Entries arrive sorted by name from the host (via [os.ReadDir]).
func (d *realDirNode) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		d.fsys.rbuf.Printf("Error: %q->ReadDirAll: %v", d.path, err)

		return nil, d.fsys.fsError(toFuseErr(err))
	}

	resp := make([]fuse.Dirent, 0, len(entries))

	for _, e := range entries {
		name := e.Name()

		typ := fuse.DT_File
		if e.IsDir() || strings.HasSuffix(name, ".zip") {
			typ = fuse.DT_Dir
		}

		resp = append(resp, fuse.Dirent{
			Name:  name,
			Type:  typ,
			Inode: fs.GenerateDynamicInode(d.inode, name),
		})
	}

	return resp, nil
}

// Lookup resolves name to a real subdirectory, a ZIP archive (presented
// as a directory, keeping its ".zip" name verbatim), or a passthrough
// regular file, in that order.
func (d *realDirNode) Lookup(_ context.Context, name string) (fs.Node, error) {
	path := filepath.Join(d.path, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, d.fsys.fsError(toFuseErr(err)) //nolint:wrapcheck
	}

	switch {
	case info.IsDir():
		return &realDirNode{
			fsys:  d.fsys,
			path:  path,
			mtime: info.ModTime(),
			inode: fs.GenerateDynamicInode(d.inode, name),
		}, nil

	case strings.HasSuffix(name, ".zip"):
		return &zipDirNode{
			fsys:  d.fsys,
			path:  path,
			mtime: info.ModTime(),
			inode: fs.GenerateDynamicInode(d.inode, name),
		}, nil

	default:
		return &realFileNode{
			fsys:  d.fsys,
			path:  path,
			size:  uint64(info.Size()), //nolint:gosec
			mode:  info.Mode(),
			mtime: info.ModTime(),
			inode: fs.GenerateDynamicInode(d.inode, name),
		}, nil
	}
}
