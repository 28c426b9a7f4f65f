package filesystem

import (
	"os"
	"sync"
)

// OpenFile is a passthrough host file currently held open through a
// [FS] file handle. The embedded mutex serializes concurrent reads
// issued against the same handle, so seek and read always pair up.
type OpenFile struct {
	mu     sync.Mutex
	file   *os.File
	offset int64
}

// OpenFileTable maps opaque, nonzero file handles to an [OpenFile], used
// to serve passthrough (non-archive) file reads. Handle zero is reserved
// for archive-member pseudo-handles, which carry no table state of their
// own (archive members are stateless and re-decoded per read, see
// [zipBaseFileNode]).
type OpenFileTable struct {
	mu     sync.Mutex
	files  map[uint64]*OpenFile
	nextID uint64
}

// newOpenFileTable returns a pointer to a new, empty [OpenFileTable].
func newOpenFileTable() *OpenFileTable {
	return &OpenFileTable{
		files:  make(map[uint64]*OpenFile),
		nextID: 1,
	}
}

// Insert registers f under a freshly allocated, nonzero handle.
func (t *OpenFileTable) Insert(f *OpenFile) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.nextID == 0 || t.files[t.nextID] != nil {
		t.nextID++
	}

	handle := t.nextID
	t.files[handle] = f
	t.nextID++

	return handle
}

// Get returns the [OpenFile] registered under handle, if any. A handle freed
// by [OpenFileTable.Remove] is issued again only once the counter wraps
// around; callers must not cache the result across a Release.
func (t *OpenFileTable) Get(handle uint64) (*OpenFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[handle]

	return f, ok
}

// Remove drops and closes the [OpenFile] registered under handle, if any.
// Removing an unknown handle is a no-op.
func (t *OpenFileTable) Remove(handle uint64) error {
	t.mu.Lock()
	f, ok := t.files[handle]
	delete(t.files, handle)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	return f.file.Close()
}

// Len reports the number of currently open passthrough file handles.
func (t *OpenFileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.files)
}

// CloseAll closes every currently open passthrough file and empties the
// table. Call this once the filesystem is being torn down.
func (t *OpenFileTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for handle, f := range t.files {
		_ = f.file.Close()
		delete(t.files, handle)
	}
}
