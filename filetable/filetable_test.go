package filetable_test

import (
	"testing"
	"time"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockdevice"
	"github.com/dargueta/inodefs/directory"
	"github.com/dargueta/inodefs/filetable"
	"github.com/dargueta/inodefs/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// How long to wait before deciding a blocked Acquire really is blocked.
const blockedTimeout = 100 * time.Millisecond

func newTable(t *testing.T) (*filetable.Table, *directory.Directory, inodefs.BlockDevice) {
	device := blockdevice.NewMemory(16)
	require.NoError(t, inode.InitializeTable(device, 16))
	dir := directory.New(16)
	return filetable.New(device, dir), dir, device
}

func acquireAsync(
	table *filetable.Table, name string, mode inodefs.OpenMode,
) <-chan *filetable.FileHandle {
	result := make(chan *filetable.FileHandle, 1)
	go func() {
		handle, err := table.Acquire(name, mode)
		if err != nil {
			close(result)
			return
		}
		result <- handle
	}()
	return result
}

func release(t *testing.T, table *filetable.Table, handle *filetable.FileHandle) {
	handle.Lock()
	defer handle.Unlock()
	found, err := table.Release(handle)
	require.NoError(t, err)
	require.True(t, found, "handle wasn't in the table")
}

func TestTable__Acquire__ReadMissing(t *testing.T) {
	table, _, _ := newTable(t)
	_, err := table.Acquire("missing", inodefs.ModeRead)
	assert.ErrorIs(t, err, inodefs.ErrNotFound)
	assert.True(t, table.IsEmpty())
}

func TestTable__Acquire__CreatesOnWrite(t *testing.T) {
	table, dir, device := newTable(t)

	handle, err := table.Acquire("new", inodefs.ModeWrite)
	require.NoError(t, err)
	assert.Equal(t, 1, handle.Inumber)
	assert.EqualValues(t, 0, handle.Inode.Length)

	inumber, err := dir.Lookup("new")
	require.NoError(t, err)
	assert.Equal(t, 1, inumber)

	onDisk, err := inode.Load(device, 1)
	require.NoError(t, err)
	assert.Equal(t, inode.Writing, onDisk.State)
	assert.EqualValues(t, 1, onDisk.RefCount)

	release(t, table, handle)
	onDisk, err = inode.Load(device, 1)
	require.NoError(t, err)
	assert.Equal(t, inode.Unused, onDisk.State)
	assert.EqualValues(t, 0, onDisk.RefCount)
	assert.True(t, table.IsEmpty())
}

func TestTable__Acquire__DirectoryFull(t *testing.T) {
	device := blockdevice.NewMemory(4)
	require.NoError(t, inode.InitializeTable(device, 2))
	table := filetable.New(device, directory.New(2))

	handle, err := table.Acquire("a", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, handle)

	_, err = table.Acquire("b", inodefs.ModeAppend)
	assert.ErrorIs(t, err, inodefs.ErrDirectoryFull)
}

func TestTable__Acquire__ReadersShare(t *testing.T) {
	table, _, device := newTable(t)
	writer, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, writer)

	first, err := table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)
	second, err := table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)

	onDisk, err := inode.Load(device, first.Inumber)
	require.NoError(t, err)
	assert.Equal(t, inode.Reading, onDisk.State)
	assert.EqualValues(t, 2, onDisk.RefCount)

	release(t, table, first)
	onDisk, err = inode.Load(device, first.Inumber)
	require.NoError(t, err)
	assert.Equal(t, inode.Reading, onDisk.State, "remaining reader lost its state")
	assert.EqualValues(t, 1, onDisk.RefCount)

	release(t, table, second)
}

// A writer must wait until every reader has released the file.
func TestTable__Acquire__WriterWaitsForReaders(t *testing.T) {
	table, _, _ := newTable(t)
	writer, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, writer)

	first, err := table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)
	second, err := table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)

	pending := acquireAsync(table, "f", inodefs.ModeWrite)
	select {
	case <-pending:
		t.Fatal("writer was admitted while readers were active")
	case <-time.After(blockedTimeout):
	}

	release(t, table, first)
	select {
	case <-pending:
		t.Fatal("writer was admitted while a reader was still active")
	case <-time.After(blockedTimeout):
	}

	release(t, table, second)
	select {
	case handle, ok := <-pending:
		require.True(t, ok, "blocked Acquire failed")
		assert.Equal(t, inodefs.ModeWrite, handle.Mode)
		release(t, table, handle)
	case <-time.After(5 * time.Second):
		t.Fatal("writer was never admitted")
	}
}

// Readers must wait for the writer, and are all admitted once it's gone.
func TestTable__Acquire__ReadersWaitForWriter(t *testing.T) {
	table, _, _ := newTable(t)
	writer, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)

	firstPending := acquireAsync(table, "f", inodefs.ModeRead)
	secondPending := acquireAsync(table, "f", inodefs.ModeRead)
	time.Sleep(blockedTimeout)
	assert.Len(t, firstPending, 0)
	assert.Len(t, secondPending, 0)

	release(t, table, writer)
	for _, pending := range []<-chan *filetable.FileHandle{firstPending, secondPending} {
		select {
		case handle, ok := <-pending:
			require.True(t, ok, "blocked Acquire failed")
			release(t, table, handle)
		case <-time.After(5 * time.Second):
			t.Fatal("reader was never admitted")
		}
	}
}

func TestTable__Release__WriterBlockMap(t *testing.T) {
	table, _, device := newTable(t)
	writer, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)

	writer.Inode.Length = 100
	writer.Inode.Direct[0] = 12
	release(t, table, writer)

	onDisk, err := inode.Load(device, writer.Inumber)
	require.NoError(t, err)
	assert.EqualValues(t, 100, onDisk.Length)
	assert.EqualValues(t, 12, onDisk.Direct[0])
}

func TestTable__Release__Twice(t *testing.T) {
	table, _, _ := newTable(t)
	handle, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, handle)

	found, err := table.Release(handle)
	require.NoError(t, err)
	assert.False(t, found, "second release found the handle")
}

func TestTable__Dup(t *testing.T) {
	table, _, _ := newTable(t)
	handle, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, table.Dup(handle))

	release(t, table, handle)
	assert.False(t, table.IsEmpty(), "handle released with a reference left")
	release(t, table, handle)
	assert.True(t, table.IsEmpty())

	assert.ErrorIs(t, table.Dup(handle), inodefs.ErrInvalidFileDescriptor)
}

func TestTable__AcquireExisting__Missing(t *testing.T) {
	table, dir, _ := newTable(t)
	_, err := table.AcquireExisting("missing")
	assert.ErrorIs(t, err, inodefs.ErrNotFound)
	assert.True(t, table.IsEmpty())
	assert.Equal(t, 15, dir.FreeEntries(), "missing file was created")
}

func TestTable__AcquireExisting__DeletedWhileWaiting(t *testing.T) {
	table, dir, _ := newTable(t)
	created, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, created)

	holder, err := table.AcquireExisting("f")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		handle, err := table.AcquireExisting("f")
		if err == nil {
			handle.Lock()
			table.Release(handle)
			handle.Unlock()
		}
		result <- err
	}()

	select {
	case <-result:
		t.Fatal("second exclusive acquire didn't wait")
	case <-time.After(blockedTimeout):
	}

	holder.Lock()
	require.NoError(t, table.ReleaseAndUnlink(holder))
	holder.Unlock()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, inodefs.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke up")
	}

	_, err = dir.Lookup("f")
	assert.ErrorIs(t, err, inodefs.ErrNotFound)
	assert.Equal(t, 15, dir.FreeEntries())
	assert.True(t, table.IsEmpty())
}

func TestTable__ReleaseAndUnlink(t *testing.T) {
	table, dir, device := newTable(t)
	created, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)
	release(t, table, created)

	reader, err := table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)
	reader.Lock()
	assert.ErrorIs(t, table.ReleaseAndUnlink(reader), inodefs.ErrBusy)
	reader.Unlock()
	release(t, table, reader)

	writer, err := table.AcquireExisting("f")
	require.NoError(t, err)
	require.NoError(t, table.Dup(writer))
	writer.Lock()
	assert.ErrorIs(t, table.ReleaseAndUnlink(writer), inodefs.ErrBusy)
	writer.Unlock()
	release(t, table, writer)

	writer.Lock()
	require.NoError(t, table.ReleaseAndUnlink(writer))
	assert.ErrorIs(t, table.ReleaseAndUnlink(writer), inodefs.ErrInvalidFileDescriptor)
	writer.Unlock()

	_, err = dir.Lookup("f")
	assert.ErrorIs(t, err, inodefs.ErrNotFound)
	assert.True(t, table.IsEmpty())

	onDisk, err := inode.Load(device, writer.Inumber)
	require.NoError(t, err)
	assert.Equal(t, inode.Unused, onDisk.State)
	assert.EqualValues(t, 0, onDisk.RefCount)
}

func TestTable__Shutdown(t *testing.T) {
	table, _, _ := newTable(t)
	handle, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)

	called := false
	err = table.Shutdown(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, inodefs.ErrBusy)
	assert.False(t, called, "action ran with a file open")
	release(t, table, handle)

	// A failed action leaves the table usable.
	err = table.Shutdown(func() error {
		return inodefs.ErrIOFailed
	})
	assert.ErrorIs(t, err, inodefs.ErrIOFailed)
	handle, err = table.Acquire("f", inodefs.ModeRead)
	require.NoError(t, err)
	release(t, table, handle)

	require.NoError(t, table.Shutdown(func() error { return nil }))

	_, err = table.Acquire("f", inodefs.ModeRead)
	assert.ErrorIs(t, err, filetable.ErrClosed)
	_, err = table.AcquireExisting("f")
	assert.ErrorIs(t, err, filetable.ErrClosed)
	assert.ErrorIs(t, table.WithEmpty(func() error { return nil }), filetable.ErrClosed)
	assert.ErrorIs(t, table.Shutdown(func() error { return nil }), filetable.ErrClosed)
}

func TestTable__Recover(t *testing.T) {
	table, dir, device := newTable(t)
	inumber, err := dir.Allocate("stale")
	require.NoError(t, err)

	stale := inode.New()
	stale.State = inode.Writing
	stale.RefCount = 1
	require.NoError(t, stale.Persist(device, inumber))

	changed, err := table.Recover(16)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	handle, err := table.Acquire("stale", inodefs.ModeRead)
	require.NoError(t, err, "stale writer state wasn't cleared")
	release(t, table, handle)
}

func TestTable__WithEmpty(t *testing.T) {
	table, _, _ := newTable(t)
	handle, err := table.Acquire("f", inodefs.ModeWrite)
	require.NoError(t, err)

	called := false
	err = table.WithEmpty(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, inodefs.ErrBusy)
	assert.False(t, called, "action ran with a file open")

	release(t, table, handle)
	require.NoError(t, table.WithEmpty(func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
