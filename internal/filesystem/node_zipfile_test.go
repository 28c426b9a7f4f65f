package filesystem

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// memberNodeFixture writes an archive holding content under memberPath and
// returns the base node an in-archive lookup would have produced for it.
func memberNodeFixture(t *testing.T, fsys *FS, dir, memberPath string, method uint16, content []byte) *zipBaseFileNode {
	t.Helper()

	zipPath := filepath.Join(dir, "members.zip")

	f, err := os.Create(zipPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     memberPath,
		Method:   method,
		Modified: time.Now(),
	})
	require.NoError(t, err)

	_, err = w.Write(content)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return &zipBaseFileNode{
		fsys:    fsys,
		inode:   fs.GenerateDynamicInode(1, memberPath),
		archive: zipPath,
		path:    memberPath,
		size:    uint64(len(content)),
		mtime:   time.Now(),
	}
}

// Expectation: Archive members should report read-only file attributes.
func Test_zipBaseFileNode_Attr_Success(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)
	stamp := time.Now().Add(-time.Hour)

	node := &zipBaseFileNode{
		fsys:  fsys,
		inode: fs.GenerateDynamicInode(1, "member.txt"),
		size:  2048,
		mtime: stamp,
	}

	attr := fuse.Attr{}
	require.NoError(t, node.Attr(t.Context(), &attr))

	require.Equal(t, node.inode, attr.Inode)
	require.Equal(t, os.FileMode(fileBasePerm), attr.Mode)
	require.Equal(t, uint64(2048), attr.Size)
	require.Equal(t, stamp, attr.Atime)
	require.Equal(t, stamp, attr.Ctime)
	require.Equal(t, stamp, attr.Mtime)
}

// Expectation: Opening an in-memory member should keep kernel caching on
// and hand the node itself back as the handle.
func Test_zipInMemoryFileNode_Open_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "small.txt", zip.Store, []byte("tiny"))
	node := &zipInMemoryFileNode{zipBaseFileNode: base}

	resp := &fuse.OpenResponse{}
	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, resp)
	require.NoError(t, err)

	require.NotZero(t, resp.Flags&fuse.OpenKeepCache)
	require.Same(t, node, handle)
}

// Expectation: Write intent should be refused on archive members.
func Test_zipInMemoryFileNode_Open_WriteFlags_Error(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "ro.txt", zip.Store, []byte("ro"))
	node := &zipInMemoryFileNode{zipBaseFileNode: base}

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadWrite}, &fuse.OpenResponse{})
	require.Nil(t, handle)
	require.ErrorIs(t, err, fuse.ToErrno(syscall.EACCES))
}

// Expectation: ReadAll should return the member's complete content, for
// both compression methods.
func Test_zipInMemoryFileNode_ReadAll_Success(t *testing.T) {
	t.Parallel()

	for _, method := range []uint16{zip.Store, zip.Deflate} {
		tmpDir, fsys := testFS(t, io.Discard)

		content := bytes.Repeat([]byte("in-memory payload "), 32)
		base := memberNodeFixture(t, fsys, tmpDir, "payload.txt", method, content)
		node := &zipInMemoryFileNode{zipBaseFileNode: base}

		got, err := node.ReadAll(t.Context())
		require.NoError(t, err)
		require.Equal(t, content, got)

		// A second pass decodes fresh and must match.
		again, err := node.ReadAll(t.Context())
		require.NoError(t, err)
		require.Equal(t, content, again)
	}
}

// Expectation: ReadAll on a zero-byte member should succeed with no data.
func Test_zipInMemoryFileNode_ReadAll_Empty_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "empty.txt", zip.Store, []byte{})
	node := &zipInMemoryFileNode{zipBaseFileNode: base}

	got, err := node.ReadAll(t.Context())
	require.NoError(t, err)
	require.Empty(t, got)
}

// Expectation: ReadAll should report ENOENT when the member is gone.
func Test_zipInMemoryFileNode_ReadAll_MemberMissing_Error(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "present.txt", zip.Store, []byte("x"))
	base.path = "absent.txt"
	node := &zipInMemoryFileNode{zipBaseFileNode: base}

	got, err := node.ReadAll(t.Context())
	require.Nil(t, got)
	require.ErrorIs(t, err, fuse.ToErrno(syscall.ENOENT))
	require.Equal(t, int64(1), fsys.Metrics.Errors.Load())
}

// Expectation: ReadAll should surface an error for a vanished archive.
func Test_zipInMemoryFileNode_ReadAll_ArchiveMissing_Error(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	node := &zipInMemoryFileNode{zipBaseFileNode: &zipBaseFileNode{
		fsys:    fsys,
		archive: "/gone/away.zip",
		path:    "whatever.txt",
	}}

	got, err := node.ReadAll(t.Context())
	require.Nil(t, got)
	require.ErrorIs(t, err, fuse.ToErrno(syscall.EINVAL))
}

// Expectation: Opening a streamed member should produce a positioned handle.
func Test_zipDiskStreamFileNode_Open_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "big.bin", zip.Store, sequence(2048))
	node := &zipDiskStreamFileNode{zipBaseFileNode: base}

	resp := &fuse.OpenResponse{}
	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, resp)
	require.NoError(t, err)
	require.NotZero(t, resp.Flags&fuse.OpenKeepCache)

	fh, ok := handle.(*zipDiskStreamFileHandle)
	require.True(t, ok)
	require.NotNil(t, fh.zr)
	require.NotNil(t, fh.fr)
	require.Equal(t, base.archive, fh.archive)
	require.Equal(t, "big.bin", fh.path)

	require.NoError(t, fh.Release(t.Context(), &fuse.ReleaseRequest{}))
}

// Expectation: Write intent should be refused before any archive work.
func Test_zipDiskStreamFileNode_Open_WriteFlags_Error(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	base := memberNodeFixture(t, fsys, tmpDir, "big.bin", zip.Store, sequence(64))
	node := &zipDiskStreamFileNode{zipBaseFileNode: base}

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &fuse.OpenResponse{})
	require.Nil(t, handle)
	require.ErrorIs(t, err, fuse.ToErrno(syscall.EACCES))
	require.Zero(t, fsys.Metrics.OpenZips.Load())
}

// Expectation: Opening should fail cleanly for a vanished archive.
func Test_zipDiskStreamFileNode_Open_ArchiveMissing_Error(t *testing.T) {
	t.Parallel()
	_, fsys := testFS(t, io.Discard)

	node := &zipDiskStreamFileNode{zipBaseFileNode: &zipBaseFileNode{
		fsys:    fsys,
		archive: "/gone/away.zip",
		path:    "big.bin",
	}}

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	require.Nil(t, handle)
	require.ErrorIs(t, err, fuse.ToErrno(syscall.EINVAL))
}

// streamHandleFixture opens a streaming handle over a member with content.
func streamHandleFixture(t *testing.T, fsys *FS, dir string, method uint16, content []byte) *zipDiskStreamFileHandle {
	t.Helper()

	base := memberNodeFixture(t, fsys, dir, "stream.bin", method, content)
	node := &zipDiskStreamFileNode{zipBaseFileNode: base}

	handle, err := node.Open(t.Context(), &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	require.NoError(t, err)

	fh, ok := handle.(*zipDiskStreamFileHandle)
	require.True(t, ok)

	t.Cleanup(func() { _ = fh.Release(t.Context(), &fuse.ReleaseRequest{}) })

	return fh
}

// readRange drives one kernel-style read against the handle.
func readRange(t *testing.T, fh *zipDiskStreamFileHandle, offset int64, size int) []byte {
	t.Helper()

	resp := &fuse.ReadResponse{}
	require.NoError(t, fh.Read(t.Context(), &fuse.ReadRequest{Offset: offset, Size: size}, resp))

	return resp.Data
}

// Expectation: Ranged reads should return exactly the addressed bytes and
// book extraction metrics.
func Test_zipDiskStreamFileHandle_Read_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	content := sequence(1024)
	fh := streamHandleFixture(t, fsys, tmpDir, zip.Store, content)

	require.Equal(t, content[0:100], readRange(t, fh, 0, 100))
	require.Equal(t, content[100:200], readRange(t, fh, 100, 100))
	require.Equal(t, content[512:1024], readRange(t, fh, 512, 512))

	require.Equal(t, int64(3), fsys.Metrics.TotalExtractCount.Load())
	require.Equal(t, int64(100+100+512), fsys.Metrics.TotalExtractBytes.Load())
}

// Expectation: Reads at and past EOF should come back short or empty.
func Test_zipDiskStreamFileHandle_Read_EOF_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	content := sequence(50)
	fh := streamHandleFixture(t, fsys, tmpDir, zip.Deflate, content)

	require.Equal(t, content[40:], readRange(t, fh, 40, 100), "short read at EOF")
	require.Empty(t, readRange(t, fh, 50, 10), "read at EOF")
	require.Empty(t, readRange(t, fh, 500, 10), "read past EOF")
}

// Expectation: An empty member should always read empty.
func Test_zipDiskStreamFileHandle_Read_Empty_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	fh := streamHandleFixture(t, fsys, tmpDir, zip.Store, []byte{})

	require.Empty(t, readRange(t, fh, 0, 64))
	require.Empty(t, readRange(t, fh, 10, 64))
}

// Expectation: A backward read on a compressed member should transparently
// reopen the member instead of failing.
func Test_zipDiskStreamFileHandle_Read_RewindReopens_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	content := sequence(4096)
	fh := streamHandleFixture(t, fsys, tmpDir, zip.Deflate, content)

	require.Equal(t, content[3000:3064], readRange(t, fh, 3000, 64))
	require.Zero(t, fsys.Metrics.TotalStreamRewinds.Load())

	require.Equal(t, content[100:164], readRange(t, fh, 100, 64))
	require.Equal(t, int64(1), fsys.Metrics.TotalStreamRewinds.Load())
	require.Equal(t, int64(1), fsys.Metrics.TotalReopenedEntries.Load())

	// Forward again from the reopened position, no extra rewind.
	require.Equal(t, content[200:264], readRange(t, fh, 200, 64))
	require.Equal(t, int64(1), fsys.Metrics.TotalStreamRewinds.Load())
}

// Expectation: Stored members opened raw should rewind by seeking, with no
// reopen ever counted.
func Test_zipDiskStreamFileHandle_Read_SeekableRewind_Success(t *testing.T) {
	t.Parallel()
	tmpDir, fsys := testFS(t, io.Discard)

	content := sequence(1024)
	fh := streamHandleFixture(t, fsys, tmpDir, zip.Store, content)

	require.Equal(t, content[900:964], readRange(t, fh, 900, 64))
	require.Equal(t, content[0:64], readRange(t, fh, 0, 64))

	require.Zero(t, fsys.Metrics.TotalStreamRewinds.Load())
	require.Zero(t, fsys.Metrics.TotalReopenedEntries.Load())
}

// Expectation: Racing reads on one handle should serialize, each slice
// matching its own requested range, under both integrity modes.
func Test_zipDiskStreamFileHandle_Read_Concurrent_Success(t *testing.T) {
	t.Parallel()

	for _, mustCRC := range []bool{false, true} {
		tmpDir, fsys := testFS(t, io.Discard)
		fsys.Options.MustCRC32.Store(mustCRC)

		content := sequence(8192)
		fh := streamHandleFixture(t, fsys, tmpDir, zip.Store, content)

		offsets := []int64{4000, 6000, 500, 7500, 0, 2500, 8192, 1000}

		results := make([][]byte, len(offsets))

		var wg sync.WaitGroup
		for i, off := range offsets {
			wg.Go(func() {
				resp := &fuse.ReadResponse{}
				if err := fh.Read(t.Context(), &fuse.ReadRequest{Offset: off, Size: 256}, resp); err == nil {
					results[i] = resp.Data
				}
			})
		}
		wg.Wait()

		for i, off := range offsets {
			end := min(off+256, int64(len(content)))
			require.Equal(t, content[off:end], results[i], "offset %d", off)
		}
	}
}
