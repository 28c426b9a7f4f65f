package filesystem

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/klauspost/compress/zip"
)

var (
	_ fs.Node               = (*zipDirNode)(nil)
	_ fs.NodeOpener         = (*zipDirNode)(nil)
	_ fs.HandleReadDirAller = (*zipDirNode)(nil)
	_ fs.NodeStringLookuper = (*zipDirNode)(nil)
)

// zipDirNode is a directory within a ZIP archive, including the archive's
// own root, presented as a regular directory in the mirrored filesystem.
// prefix is the in-archive path this node represents ("" for the archive
// root, otherwise a slash-terminated path such as "docs/").
type zipDirNode struct {
	fsys   *FS
	inode  uint64
	path   string
	prefix string
	mtime  time.Time
}

func (d *zipDirNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Valid = attrTTL
	a.Mode = os.ModeDir | dirBasePerm
	a.Inode = d.inode

	a.Atime = d.mtime
	a.Ctime = d.mtime
	a.Mtime = d.mtime

	return nil
}

func (d *zipDirNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	// ZIP archives are immutable once mounted, so we keep caching enabled.
	resp.Flags |= fuse.OpenKeepCache | fuse.OpenCacheDir

	return d, nil
}

func (d *zipDirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if d.fsys.Options.FlatMode {
		return d.readDirAllFlat(ctx)
	}

	return d.readDirAllNested(ctx)
}

func (d *zipDirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if d.fsys.Options.FlatMode {
		return d.lookupFlat(ctx, name)
	}

	return d.lookupNested(ctx, name)
}

// readDirAllFlat lists every file member of the archive as a single,
// flattened directory, discarding the archive's internal structure.
func (d *zipDirNode) readDirAllFlat(_ context.Context) ([]fuse.Dirent, error) {
	zr, err := d.fsys.archives.Archive(d.path)
	if err != nil {
		d.fsys.rbuf.Printf("Error: %q->ReadDirAll: %v", d.path, err)

		return nil, d.fsys.fsError(fuse.ToErrno(syscall.EINVAL))
	}
	defer func() { _ = zr.Release() }()

	resp := make([]fuse.Dirent, 0, len(zr.Members()))

	for i, f := range zr.Members() {
		normalized := normalizeZipPath(i, f, d.fsys.Options.ForceUnicode)
		if isDir(f, normalized) {
			continue
		}

		name, ok := flatEntryName(i, normalized)
		if !ok {
			continue
		}

		resp = append(resp, fuse.Dirent{
			Name:  name,
			Type:  fuse.DT_File,
			Inode: fs.GenerateDynamicInode(d.inode, name),
		})
	}

	return resp, nil
}

// readDirAllNested lists the immediate children (explicit or implicit
// directories, and files) of this node's in-archive prefix.
//
// Child names are gathered in the archive's own file-table order, then
// deduplicated (adjacent occurrences only, mirroring the archive's iteration
// order) and stably sorted by name length ascending. A corrupt or otherwise
// unparseable archive is presented as an empty directory rather than an
// error; host-level open failures still propagate.
func (d *zipDirNode) readDirAllNested(_ context.Context) ([]fuse.Dirent, error) {
	zr, err := d.fsys.archives.Archive(d.path)
	if err != nil {
		d.fsys.rbuf.Printf("Error: %q->ReadDirAll: %v", d.path, err)

		if errors.Is(err, errUnparseableArchive) {
			return []fuse.Dirent{}, nil
		}

		return nil, d.fsys.fsError(err)
	}
	defer func() { _ = zr.Release() }()

	names := make([]string, 0, len(zr.Members()))
	isDirOf := make(map[string]bool, len(zr.Members()))

	for i, f := range zr.Members() {
		normalized := normalizeZipPath(i, f, d.fsys.Options.ForceUnicode)

		if d.prefix != "" && !strings.HasPrefix(normalized, d.prefix) {
			continue
		}

		rel := strings.TrimPrefix(normalized, d.prefix)
		if rel == "" {
			continue
		}

		var name string

		if idx := strings.Index(rel, "/"); idx != -1 {
			name = rel[:idx]
			isDirOf[name] = true
		} else {
			name = rel
			if _, exists := isDirOf[name]; !exists {
				isDirOf[name] = isDir(f, normalized) || isEncrypted(f)
			}
		}

		names = append(names, name)
	}

	deduped := names[:0:0]

	for _, name := range names {
		if len(deduped) > 0 && deduped[len(deduped)-1] == name {
			continue
		}

		deduped = append(deduped, name)
	}

	slices.SortStableFunc(deduped, func(a, b string) int {
		return len(a) - len(b)
	})

	resp := make([]fuse.Dirent, 0, len(deduped))

	for _, name := range deduped {
		typ := fuse.DT_Dir
		if !isDirOf[name] {
			typ = fuse.DT_File
		}

		resp = append(resp, fuse.Dirent{
			Name:  name,
			Type:  typ,
			Inode: fs.GenerateDynamicInode(d.inode, name),
		})
	}

	return resp, nil
}

// lookupFlat resolves name to a file node within a flattened archive listing.
func (d *zipDirNode) lookupFlat(_ context.Context, name string) (fs.Node, error) {
	zr, err := d.fsys.archives.Archive(d.path)
	if err != nil {
		return nil, d.fsys.fsError(fuse.ToErrno(syscall.EINVAL))
	}
	defer func() { _ = zr.Release() }()

	for i, f := range zr.Members() {
		normalized := normalizeZipPath(i, f, d.fsys.Options.ForceUnicode)
		if isDir(f, normalized) {
			continue
		}

		candidate, ok := flatEntryName(i, normalized)
		if !ok || candidate != name {
			continue
		}

		return d.fileNode(f, normalized, name), nil
	}

	return nil, d.fsys.fsError(fuse.ToErrno(syscall.ENOENT))
}

// lookupNested resolves name to either a subdirectory or a file node,
// relative to this node's in-archive prefix.
//
// A name that exactly matches a decodeable non-directory member resolves
// to a file. Every other case — an exact directory match, an encrypted
// member, a name that is merely a prefix of deeper members, a name absent
// from the archive entirely, or the archive itself being unparseable — is
// assumed to be a directory, to be verified (as empty, if need be) only
// when its own contents are read. ZIP archives often omit explicit
// directory entries, so absence alone proves nothing.
func (d *zipDirNode) lookupNested(_ context.Context, name string) (fs.Node, error) {
	zr, err := d.fsys.archives.Archive(d.path)
	if err != nil {
		d.fsys.rbuf.Printf("Error: %q->Lookup(%q): %v", d.path, name, err)

		if errors.Is(err, errUnparseableArchive) {
			return d.childDirNode(name), nil
		}

		return nil, d.fsys.fsError(err)
	}
	defer func() { _ = zr.Release() }()

	target := d.prefix + name

	for i, f := range zr.Members() {
		normalized := normalizeZipPath(i, f, d.fsys.Options.ForceUnicode)

		if normalized == target && !isDir(f, normalized) && !isEncrypted(f) {
			return d.fileNode(f, normalized, name), nil
		}

		if normalized == target || strings.HasPrefix(normalized, target+"/") {
			return d.childDirNode(name), nil
		}
	}

	return d.childDirNode(name), nil
}

// childDirNode constructs the [zipDirNode] representing name as an
// immediate child directory of this node's in-archive prefix.
func (d *zipDirNode) childDirNode(name string) *zipDirNode {
	return &zipDirNode{
		fsys:   d.fsys,
		inode:  fs.GenerateDynamicInode(d.inode, name),
		path:   d.path,
		prefix: d.prefix + name + "/",
		mtime:  d.mtime,
	}
}

// fileNode constructs the appropriate file node for a ZIP member, depending
// on whether its size reaches the configured streaming threshold.
func (d *zipDirNode) fileNode(f *zip.File, archivePath, name string) fs.Node {
	base := &zipBaseFileNode{
		fsys:    d.fsys,
		inode:   fs.GenerateDynamicInode(d.inode, name),
		archive: d.path,
		path:    archivePath,
		size:    uint64(f.FileInfo().Size()), //nolint:gosec
		mtime:   d.mtime,
	}

	if base.size >= d.fsys.Options.StreamingThreshold.Load() {
		return &zipDiskStreamFileNode{zipBaseFileNode: base}
	}

	return &zipInMemoryFileNode{zipBaseFileNode: base}
}
