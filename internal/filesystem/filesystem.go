// Package filesystem implements the FUSE filesystem.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/zipfs-go/zipfs/internal/logging"
)

// errInvalidArgument is returned for an invalid constructor argument.
var errInvalidArgument = errors.New("invalid argument")

const (
	fileBasePerm = 0o444 // RO
	dirBasePerm  = 0o555 // RO
	hashDigits   = 8     // for [salvageNonUnicode]

	// attrTTL is how long the kernel may cache returned attributes.
	attrTTL = time.Second

	defaultFDCacheSize        = 1024
	defaultFDCacheTTL         = 5 * time.Minute
	defaultFDLimit            = 512
	defaultStreamingThreshold = 64 * 1024 * 1024 // 64MiB
	defaultStreamPoolSize     = 128 * 1024        // 128KiB
)

var (
	_ fs.FS               = (*FS)(nil)
	_ fs.FSInodeGenerator = (*FS)(nil)
)

// Options holds the tunables of a [FS], some of which can be changed at
// runtime (e.g. via the [dashboard] package) and are therefore atomic.
type Options struct {
	// FDCacheBypass disables the [zipReaderCache] and opens a fresh
	// [archiveHandle] for every single access, bypassing any reuse.
	FDCacheBypass atomic.Bool

	// FDCacheSize is the maximum amount of concurrently cached ZIP readers.
	FDCacheSize int

	// FDCacheTTL is the duration after which an unused cached ZIP reader
	// is considered stale and evicted (closing the underlying file).
	FDCacheTTL time.Duration

	// FDLimit is the maximum amount of concurrently open ZIP file descriptors.
	FDLimit int

	// FlatMode presents the contents of a ZIP archive as a single,
	// flattened directory instead of mirroring its internal structure.
	FlatMode bool

	// ForceUnicode salvages or generates valid filenames for ZIP archive
	// members whose names are not valid UTF-8 and lack a Unicode Extra Field.
	ForceUnicode bool

	// MustCRC32 forces every ZIP member read to go through integrity
	// checking (disabling the raw, Store-only fast path).
	MustCRC32 atomic.Bool

	// StreamingThreshold is the file size at or above which a ZIP member is
	// streamed from disk instead of being fully loaded into memory.
	StreamingThreshold atomic.Uint64

	// StreamPoolSize is the size, in bytes, of buffers reused by the
	// streaming read path to reduce allocation pressure.
	StreamPoolSize int

	// StrictCache is recorded and shown on the [dashboard]. The filesystem
	// itself does not read it: cached archive handles are served the same
	// way whether it is set or not.
	StrictCache bool
}

// defaultOptions returns the default [Options] used when none are supplied.
func defaultOptions() *Options {
	opts := &Options{
		FDCacheSize:    defaultFDCacheSize,
		FDCacheTTL:     defaultFDCacheTTL,
		FDLimit:        defaultFDLimit,
		ForceUnicode:   true,
		StreamPoolSize: defaultStreamPoolSize,
	}
	opts.StreamingThreshold.Store(defaultStreamingThreshold)

	return opts
}

// Metrics holds the running counters of a [FS], surfaced by the [dashboard].
type Metrics struct {
	Errors                   atomic.Int64
	OpenZips                 atomic.Int64
	TotalClosedZips          atomic.Int64
	TotalExtractBytes        atomic.Int64
	TotalExtractCount        atomic.Int64
	TotalExtractTime         atomic.Int64
	TotalFDCacheHits         atomic.Int64
	TotalFDCacheMisses       atomic.Int64
	TotalMetadataReadCount   atomic.Int64
	TotalMetadataReadTime    atomic.Int64
	TotalOpenedZips          atomic.Int64
	TotalReopenedEntries     atomic.Int64
	TotalStreamPoolHitBytes  atomic.Int64
	TotalStreamPoolHits      atomic.Int64
	TotalStreamPoolMissBytes atomic.Int64
	TotalStreamPoolMisses    atomic.Int64
	TotalStreamRewinds       atomic.Int64
}

// FS is the core implementation of the zipfs filesystem.
type FS struct {
	RootDir string
	Options *Options
	Metrics *Metrics

	// MountTime is the time the [FS] was established, used for uptime reporting.
	MountTime time.Time

	rbuf      *logging.RingBuffer
	archives  *zipReaderCache
	openFiles *OpenFileTable
	fdlimit   chan struct{}

	streamBufPool sync.Pool
}

// NewFS returns a pointer to a new [FS] rooted at rootDir. When opts is nil,
// sensible defaults are applied. rbuf receives internal log output.
func NewFS(rootDir string, opts *Options, rbuf *logging.RingBuffer) (*FS, error) {
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	if opts == nil {
		opts = defaultOptions()
	}

	zpfs := &FS{
		RootDir:   rootDir,
		Options:   opts,
		Metrics:   &Metrics{},
		MountTime: time.Now(),
		rbuf:      rbuf,
		openFiles: newOpenFileTable(),
		fdlimit:   make(chan struct{}, max(1, opts.FDLimit)),
	}
	zpfs.streamBufPool.New = func() any {
		buf := make([]byte, opts.StreamPoolSize)

		return &buf
	}

	zpfs.archives = newZipReaderCache(zpfs, opts.FDCacheSize, opts.FDCacheTTL)

	return zpfs, nil
}

// Root returns the topmost [fs.Node] of the filesystem.
func (zpfs *FS) Root() (fs.Node, error) {
	return &realDirNode{
		fsys:  zpfs,
		inode: 1,
		path:  zpfs.RootDir,
		mtime: zpfs.MountTime,
	}, nil
}

// GenerateInode implements [fs.FSInodeGenerator] to prevent dynamic
// inode generation by the fallback method inside of the FUSE library.
//
// [FS] handles inodes internally, so dynamic inode generation within the
// FUSE library (being the fallback on encountering zero inodes) is a core
// violation of this very design principle. Calls to this method will panic,
// revealing where internal inode handling does not produce the valid inode.
func (zpfs *FS) GenerateInode(_ uint64, _ string) uint64 {
	panic("unhandled zero inode triggered an illegal dynamic generation")
}

// Walk visits every node reachable from the root, calling fn for each one.
// The root itself is visited with a nil [fuse.Dirent]. Walk stops and
// returns the first error returned by fn, or the first error encountered
// while traversing the tree (including ctx cancellation).
func (zpfs *FS) Walk(ctx context.Context, fn func(path string, d *fuse.Dirent, n fs.Node, a fuse.Attr) error) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck
	}

	root, err := zpfs.Root()
	if err != nil {
		return err
	}

	return zpfs.walk(ctx, "/", nil, root, fn)
}

func (zpfs *FS) walk(
	ctx context.Context,
	path string,
	d *fuse.Dirent,
	n fs.Node,
	fn func(path string, d *fuse.Dirent, n fs.Node, a fuse.Attr) error,
) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck
	}

	var a fuse.Attr
	if err := n.Attr(ctx, &a); err != nil {
		return err
	}

	if err := fn(path, d, n, a); err != nil {
		return err
	}

	reader, ok := n.(fs.HandleReadDirAller)
	if !ok {
		return nil
	}

	lookuper, ok := n.(fs.NodeStringLookuper)
	if !ok {
		return nil
	}

	entries, err := reader.ReadDirAll(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := entries[i]

		child, err := lookuper.Lookup(ctx, entry.Name)
		if err != nil {
			return err
		}

		childPath := path + "/" + entry.Name
		if path == "/" {
			childPath = "/" + entry.Name
		}

		if err := zpfs.walk(ctx, childPath, &entry, child, fn); err != nil {
			return err
		}
	}

	return nil
}

// fsError returns err as-is (for convenient use in a return statement),
// while recording its occurrence in the [Metrics].
func (zpfs *FS) fsError(err error) error {
	if err != nil {
		zpfs.Metrics.Errors.Add(1)
	}

	return err
}

// HaltPurgeCache stops the background goroutine that purges expired
// entries from the [zipReaderCache]. It does not close any cached entries.
func (zpfs *FS) HaltPurgeCache() {
	zpfs.archives.cache.Stop()
}

// Cleanup releases every cached [archiveHandle] and open passthrough file
// handle, closing the underlying descriptors. Call this once the
// filesystem is being torn down.
func (zpfs *FS) Cleanup() {
	zpfs.archives.cache.DeleteAll()
	zpfs.openFiles.CloseAll()
}
