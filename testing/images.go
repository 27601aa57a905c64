package testing

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/dargueta/inodefs/blockdevice"
	"github.com/dargueta/inodefs/snapshot"
	"github.com/stretchr/testify/require"
)

// CreateRandomImage creates an image with the given number of blocks and bytes
// per block. It is guaranteed to either return a valid slice or fail the test
// and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// LoadDiskImage takes a snapshot created by [snapshot.Export] and returns an
// in-memory device holding the uncompressed volume.
//
//   - Writes to the device do not affect `compressedImageBytes`.
//   - The device has exactly `totalBlocks` blocks; the test fails if the
//     snapshot has a different size.
func LoadDiskImage(
	t *testing.T, compressedImageBytes []byte, totalBlocks uint,
) *blockdevice.Stream {
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	device, err := snapshot.Import(bytes.NewReader(compressedImageBytes))
	require.NoError(t, err)
	require.EqualValues(
		t, totalBlocks, device.TotalBlocks(), "uncompressed image is wrong size")
	return device
}

// SnapshotDevice exports the current contents of `device` to a compressed
// snapshot for loading with [LoadDiskImage].
func SnapshotDevice(t *testing.T, device *blockdevice.Stream) []byte {
	output := bytes.Buffer{}
	_, _, err := snapshot.Export(device, &output)
	require.NoError(t, err, "failed to export snapshot")
	return output.Bytes()
}

// Pattern returns `size` bytes of deterministic, non-repeating-per-block data
// that makes misplaced blocks easy to spot.
func Pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) + (i / 512))
	}
	return data
}
