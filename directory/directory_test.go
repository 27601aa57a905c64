package directory_test

import (
	"strings"
	"testing"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory__New__HasRoot(t *testing.T) {
	dir := directory.New(4)

	inumber, err := dir.Lookup("/")
	require.NoError(t, err)
	assert.Equal(t, 0, inumber)
	assert.Equal(t, 3, dir.FreeEntries())
	assert.Equal(t, []directory.Entry{{Inumber: 0, Name: "/"}}, dir.Entries())
}

func TestDirectory__Allocate__LowestFree(t *testing.T) {
	dir := directory.New(4)

	a, err := dir.Allocate("a")
	require.NoError(t, err)
	b, err := dir.Allocate("b")
	require.NoError(t, err)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	require.NoError(t, dir.Release(a))
	c, err := dir.Allocate("c")
	require.NoError(t, err)
	assert.Equal(t, 1, c, "freed slot wasn't reused")

	d, err := dir.Allocate("d")
	require.NoError(t, err)
	assert.Equal(t, 3, d)

	_, err = dir.Allocate("e")
	assert.ErrorIs(t, err, inodefs.ErrDirectoryFull)
}

func TestDirectory__Allocate__BadNames(t *testing.T) {
	dir := directory.New(4)

	_, err := dir.Allocate("")
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument)

	_, err = dir.Allocate(strings.Repeat("x", directory.MaxNameLength+1))
	assert.ErrorIs(t, err, inodefs.ErrNameTooLong)

	inumber, err := dir.Allocate(strings.Repeat("x", directory.MaxNameLength))
	require.NoError(t, err, "name of exactly the maximum length was rejected")
	assert.Equal(t, 1, inumber)

	_, err = dir.Allocate("/")
	assert.ErrorIs(t, err, inodefs.ErrExists)
}

func TestDirectory__Release__Invalid(t *testing.T) {
	dir := directory.New(4)

	assert.ErrorIs(t, dir.Release(0), inodefs.ErrInvalidArgument, "released the root")
	assert.ErrorIs(t, dir.Release(4), inodefs.ErrInvalidArgument, "out of range")
	assert.ErrorIs(t, dir.Release(2), inodefs.ErrInvalidArgument, "not allocated")
}

func TestDirectory__Lookup__Missing(t *testing.T) {
	dir := directory.New(4)
	_, err := dir.Lookup("nope")
	assert.ErrorIs(t, err, inodefs.ErrNotFound)

	_, err = dir.Lookup("")
	assert.ErrorIs(t, err, inodefs.ErrNotFound, "empty name matched a free slot")
}

func TestDirectory__Encode__Layout(t *testing.T) {
	dir := directory.New(3)
	_, err := dir.Allocate("hello")
	require.NoError(t, err)

	data := dir.Encode()
	require.Len(t, data, directory.EncodedSize(3))
	assert.Equal(t, 3*34, len(data))

	assert.Equal(t, []byte{0, 0, 0, 1}, data[0:4], "root length")
	assert.Equal(t, []byte{0, 0, 0, 5}, data[4:8], "first file length")
	assert.Equal(t, []byte{0, 0, 0, 0}, data[8:12], "free slot length")
	assert.Equal(t, "/", string(data[12:13]))
	assert.Equal(t, "hello", string(data[42:47]))

	restored := directory.New(3)
	require.NoError(t, restored.Decode(data))
	assert.Equal(t, dir.Entries(), restored.Entries())
}

func TestDirectory__Decode__Corrupt(t *testing.T) {
	dir := directory.New(3)

	err := dir.Decode(make([]byte, directory.EncodedSize(3)-1))
	assert.ErrorIs(t, err, inodefs.ErrInvalidArgument, "short buffer accepted")

	data := directory.New(3).Encode()
	data[7] = directory.MaxNameLength + 1
	assert.ErrorIs(t, dir.Decode(data), inodefs.ErrInvalidArgument, "bad name length accepted")

	assert.Equal(t, "/", dir.Name(0), "failed decode changed the directory")
}
