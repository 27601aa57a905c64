package blockdevice_test

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream__Memory__RoundTrip(t *testing.T) {
	device := blockdevice.NewMemory(16)
	assert.EqualValues(t, 512, device.BytesPerBlock())
	assert.EqualValues(t, 16, device.TotalBlocks())

	writeBuffer := make([]byte, 512)
	readBuffer := make([]byte, 512)

	for i := uint(0); i < device.TotalBlocks(); i++ {
		rand.Read(writeBuffer)
		require.NoErrorf(t, device.WriteBlock(i, writeBuffer), "writing block %d", i)
		require.NoErrorf(t, device.ReadBlock(i, readBuffer), "reading block %d", i)
		assert.Equalf(
			t, writeBuffer, readBuffer, "wrote to block %d but read back different data", i)
	}
}

func TestStream__OutOfRange(t *testing.T) {
	device := blockdevice.NewMemory(4)
	buffer := make([]byte, 512)

	err := device.ReadBlock(4, buffer)
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)

	err = device.WriteBlock(4, buffer)
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)
}

func TestStream__WrongBufferSize(t *testing.T) {
	device := blockdevice.NewMemory(4)

	err := device.ReadBlock(0, make([]byte, 511))
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)

	err = device.WriteBlock(0, make([]byte, 1024))
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)
}

func TestStream__MemoryFromBytes__WritesThrough(t *testing.T) {
	image := make([]byte, 128*8)
	device, err := blockdevice.NewMemoryFromBytes(image, 128)
	require.NoError(t, err)
	assert.EqualValues(t, 8, device.TotalBlocks())

	block := bytes.Repeat([]byte{0xa5}, 128)
	require.NoError(t, device.WriteBlock(3, block))
	assert.Equal(t, block, image[3*128:4*128])
	assert.Equal(t, make([]byte, 128), image[2*128:3*128])
}

func TestStream__MemoryFromBytes__BadSize(t *testing.T) {
	_, err := blockdevice.NewMemoryFromBytes(make([]byte, 100), 512)
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)
}

func TestStream__OpenImage__CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")

	device, err := blockdevice.OpenImage(path, 32)
	require.NoError(t, err)
	assert.EqualValues(t, 32, device.TotalBlocks())

	block := bytes.Repeat([]byte{7}, 512)
	require.NoError(t, device.WriteBlock(31, block))
	require.NoError(t, device.Flush())
	require.NoError(t, device.Close())

	reopened, err := blockdevice.OpenImage(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 32, reopened.TotalBlocks(), "block count not inferred from file")

	readBack := make([]byte, 512)
	require.NoError(t, reopened.ReadBlock(31, readBack))
	assert.Equal(t, block, readBack)
}
