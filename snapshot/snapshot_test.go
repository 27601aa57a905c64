package snapshot_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockdevice"
	"github.com/dargueta/inodefs/snapshot"
	fstest "github.com/dargueta/inodefs/testing"
	"github.com/google/uuid"
	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rle8TestCase struct {
	Name    string
	Input   []byte
	Encoded []byte
}

func TestEncodeRLE8__Basic(t *testing.T) {
	tests := []rle8TestCase{
		{"empty", []byte{}, []byte{}},
		{"run with two only", []byte{4, 4}, []byte{4, 4, 0}},
		{"no runs", []byte{0, 1, 2, 3, 4}, []byte{0, 1, 2, 3, 4}},
		{"three at end", []byte{6, 1, 0, 0, 0}, []byte{6, 1, 0, 0, 1}},
		{
			"adjacent runs",
			[]byte{9, 5, 5, 5, 5, 5, 5, 3, 3, 3, 3, 7},
			[]byte{9, 5, 5, 4, 3, 3, 2, 7},
		},
		{"257", bytes.Repeat([]byte{8}, 257), []byte{8, 8, 255}},
		{"258", bytes.Repeat([]byte{8}, 258), []byte{8, 8, 255, 8}},
		{"259", bytes.Repeat([]byte{8}, 259), []byte{8, 8, 255, 8, 8, 0}},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			output := make([]byte, len(test.Encoded))
			n, err := snapshot.EncodeRLE8(bytes.NewReader(test.Input), bytewriter.New(output))
			require.NoError(t, err)
			assert.EqualValues(t, len(test.Encoded), n)
			assert.Equal(t, test.Encoded, output)

			decoded := bytes.Buffer{}
			_, err = snapshot.DecodeRLE8(bytes.NewReader(test.Encoded), &decoded)
			require.NoError(t, err)
			assert.Equal(t, len(test.Input), decoded.Len())
			assert.True(t, bytes.Equal(test.Input, decoded.Bytes()), "decoding didn't restore input")
		})
	}
}

func TestDecodeRLE8__Truncated(t *testing.T) {
	_, err := snapshot.DecodeRLE8(bytes.NewReader([]byte{1, 7, 7}), &bytes.Buffer{})
	assert.Error(t, err, "missing repeat count wasn't detected")
}

func TestSnapshot__RoundTrip(t *testing.T) {
	image := fstest.CreateRandomImage(512, 32, t)
	// Make most of it empty, like a real volume.
	for i := 4096; i < len(image); i++ {
		image[i] = 0
	}

	device, err := blockdevice.NewMemoryFromBytes(image, 512)
	require.NoError(t, err)

	compressed := bytes.Buffer{}
	header, _, err := snapshot.Export(device, &compressed)
	require.NoError(t, err)
	assert.Less(t, compressed.Len(), len(image), "snapshot is bigger than the image")

	readBack, err := snapshot.ReadHeader(bytes.NewReader(compressed.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, header, readBack)
	assert.NotEqual(t, uuid.Nil, readBack.ID)

	restored, err := snapshot.Import(bytes.NewReader(compressed.Bytes()))
	require.NoError(t, err)
	assert.EqualValues(t, 32, restored.TotalBlocks())

	block := make([]byte, 512)
	for i := uint(0); i < 32; i++ {
		require.NoError(t, restored.ReadBlock(i, block))
		assert.Equalf(t, image[i*512:(i+1)*512], block, "block %d differs", i)
	}
}

func TestSnapshot__Restore(t *testing.T) {
	image := fstest.CreateRandomImage(512, 8, t)
	source, err := blockdevice.NewMemoryFromBytes(image, 512)
	require.NoError(t, err)

	compressed := bytes.Buffer{}
	first, _, err := snapshot.Export(source, &compressed)
	require.NoError(t, err)

	second, _, err := snapshot.Export(source, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "two exports got the same ID")

	target := blockdevice.NewMemory(8)
	require.NoError(t, snapshot.Restore(bytes.NewReader(compressed.Bytes()), target))

	block := make([]byte, 512)
	require.NoError(t, target.ReadBlock(7, block))
	assert.Equal(t, image[7*512:], block)

	wrongSize := blockdevice.NewMemory(9)
	err = snapshot.Restore(bytes.NewReader(compressed.Bytes()), wrongSize)
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)
}

func TestSnapshot__BadMagic(t *testing.T) {
	garbage := make([]byte, 64)
	rand.Read(garbage)
	garbage[0] = 'X'

	_, err := snapshot.Import(bytes.NewReader(garbage))
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)
}
