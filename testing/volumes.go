package testing

import (
	"testing"

	"github.com/dargueta/inodefs/blockdevice"
	"github.com/dargueta/inodefs/filesystem"
	"github.com/stretchr/testify/require"
)

// MountBlankVolume creates a zeroed in-memory device of `totalBlocks` blocks,
// mounts it, and formats it for `fileCount` files. The file system is synced
// before returning so the device holds a valid, empty volume.
func MountBlankVolume(
	t *testing.T, totalBlocks uint, fileCount int, options ...filesystem.Option,
) (*filesystem.FileSystem, *blockdevice.Stream) {
	device := blockdevice.NewMemory(totalBlocks)

	fs, err := filesystem.Mount(device, options...)
	require.NoError(t, err, "failed to mount blank device")

	require.NoError(t, fs.Format(fileCount), "failed to format volume")
	require.NoError(t, fs.Sync(), "failed to sync freshly formatted volume")
	return fs, device
}

// WriteFile creates or overwrites `name` with `data`, failing the test on any
// error.
func WriteFile(t *testing.T, fs *filesystem.FileSystem, name string, data []byte) {
	handle, err := fs.Open(name, "w")
	require.NoErrorf(t, err, "failed to open %q for writing", name)

	n, err := handle.Write(data)
	require.NoErrorf(t, err, "failed to write to %q", name)
	require.Equalf(t, len(data), n, "short write to %q", name)
	require.NoErrorf(t, handle.Close(), "failed to close %q", name)
}

// ReadFile returns the entire contents of `name`, failing the test on any
// error.
func ReadFile(t *testing.T, fs *filesystem.FileSystem, name string) []byte {
	handle, err := fs.Open(name, "r")
	require.NoErrorf(t, err, "failed to open %q for reading", name)
	defer handle.Close()

	size, err := handle.Size()
	require.NoError(t, err)

	data := make([]byte, size)
	if size > 0 {
		n, err := handle.Read(data)
		require.NoErrorf(t, err, "failed to read %q", name)
		require.EqualValues(t, size, n, "short read from %q", name)
	}
	return data
}
