package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"github.com/jellydator/ttlcache/v3"
)

var (
	errItemValueWasNil = errors.New("cache returned item or value was nil")

	// errUnparseableArchive marks an archive that exists on the host but
	// could not be parsed as a ZIP (corrupt data, unsupported format).
	// Callers present such archives as empty directories instead of
	// surfacing an error.
	errUnparseableArchive = errors.New("unparseable archive")
)

// openArchiveErr classifies an archive open failure. Host-level errors
// (missing file, denied permission) keep propagating, anything else means
// the file was there but is not a readable ZIP archive.
func openArchiveErr(archive string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("zip open %q: %w", archive, fuse.ToErrno(syscall.EINVAL))
	}

	return fmt.Errorf("zip open %q: %w", archive, errUnparseableArchive)
}

// zipReaderCache is a capacity- and TTL-bounded cache of [archiveHandle]
// pointers, keyed by archive host path. It lets every request against the
// same archive share one open descriptor and one parsed central directory.
type zipReaderCache struct {
	sync.Mutex

	fsys  *FS
	cache *ttlcache.Cache[string, *archiveHandle]
}

// newZipReaderCache establishes a new [zipReaderCache] for a [FS].
func newZipReaderCache(fs *FS, size int, ttl time.Duration) *zipReaderCache {
	c := &zipReaderCache{fsys: fs}

	c.cache = ttlcache.New(
		ttlcache.WithTTL[string, *archiveHandle](ttl),
		ttlcache.WithCapacity[string, *archiveHandle](uint64(size)),
	)

	c.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *archiveHandle]) {
		if v := item.Value(); v != nil {
			// We need to lock here to prevent races with Archive().
			c.Lock()
			defer c.Unlock()

			_ = v.Release()
		}
	})

	go c.cache.Start()

	return c
}

// Archive returns an [archiveHandle] from the cache (adding a new one if
// needed). The handle needs to be Release()d after use, ensure that this
// is called.
func (c *zipReaderCache) Archive(archive string) (*archiveHandle, error) {
	if c.fsys.Options.FDCacheBypass.Load() {
		zr, err := openArchive(c.fsys, archive)
		if err != nil {
			return nil, openArchiveErr(archive, err)
		}

		// No need to Acquire() here, openArchive() returns with a
		// caller ref (which would be for the cache), which we transfer
		// to our caller here instead (for lack of cache being enabled).
		return zr, nil
	}

	// We need to lock here to prevent races with the eviction callback.
	// In high pressure situations, entries could get capacity-evicted
	// before reaching Acquire(), despite the thread-safe library call.
	c.Lock()

	var err error
	item, ok := c.cache.GetOrSetFunc(archive, func() *archiveHandle {
		rc, zerr := openArchive(c.fsys, archive)
		if zerr != nil {
			err = zerr
		}

		return rc
	})
	if err != nil {
		c.Unlock()
		c.cache.Delete(archive) // never cache a failed parse

		return nil, openArchiveErr(archive, err)
	}
	if item == nil || item.Value() == nil {
		c.Unlock()

		return nil, errItemValueWasNil
	}
	zr := item.Value()
	zr.Acquire() // Cache holds one ref, add another for caller.

	c.Unlock()

	if ok {
		c.fsys.Metrics.TotalFDCacheHits.Add(1)
	} else {
		c.fsys.Metrics.TotalFDCacheMisses.Add(1)
	}

	return zr, nil
}

// Entry returns a [memberReader] for a specific "path" within a ZIP
// "archive", fetching the [archiveHandle] from the cache (or adding a new
// one if needed). The handle is also returned and needs to be Release()d
// after use.
func (c *zipReaderCache) Entry(archive, path string) (*archiveHandle, *memberReader, error) {
	m := startOp(c.fsys, false)
	defer m.Done()

	var zr *archiveHandle
	var err error

	if c.fsys.Options.FDCacheBypass.Load() {
		zr, err = openArchive(c.fsys, archive)
		if err != nil {
			err = openArchiveErr(archive, err)
		}
	} else {
		// Archive() internally locks and hands us our own Acquire()d ref.
		zr, err = c.Archive(archive)
	}
	if err != nil {
		if errors.Is(err, errUnparseableArchive) {
			// An unparseable archive has no members to read from.
			err = fmt.Errorf("zip entry %q: %w", path, fuse.ToErrno(syscall.ENOENT))
		}

		return nil, nil, err
	}

	f := zr.Member(path)
	if f == nil {
		_ = zr.Release() // release our ref

		return nil, nil, fmt.Errorf("zip entry %q: %w", path, fuse.ToErrno(syscall.ENOENT))
	}

	fr, err := openMember(c.fsys, f)
	if err != nil {
		_ = zr.Release() // release our ref

		return nil, nil, fmt.Errorf("zip entry open %q: %w", path, fuse.ToErrno(syscall.EINVAL))
	}

	// The handle ref we hold transfers to our caller along with the reader.
	return zr, fr, nil
}
