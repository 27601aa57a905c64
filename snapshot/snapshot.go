// Package snapshot saves whole volumes to compact files and loads them back.
//
// A snapshot is a small uncompressed header followed by the raw contents of
// every block, run-length encoded with RLE8 and then gzipped. Mostly empty
// volumes consist of long runs of null bytes, which RLE8 shrinks enormously;
// gzip then takes care of the repetitive structures that remain.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockdevice"
	"github.com/google/uuid"
)

// Magic identifies a snapshot file.
var Magic = [6]byte{'I', 'N', 'O', 'D', 'F', 'S'}

// FormatVersion is the version of the snapshot format written by Export.
const FormatVersion = 1

// Header is the uncompressed start of a snapshot.
type Header struct {
	Magic         [6]byte
	Version       uint16
	ID            uuid.UUID // unique to each export
	BytesPerBlock uint32
	TotalBlocks   uint32
}

// blockReader presents a block device as a stream of its contents.
type blockReader struct {
	device  inodefs.BlockDevice
	next    uint
	pending []byte
	buffer  []byte
}

func (reader *blockReader) Read(output []byte) (int, error) {
	if len(reader.pending) == 0 {
		if reader.next >= reader.device.TotalBlocks() {
			return 0, io.EOF
		}
		err := reader.device.ReadBlock(reader.next, reader.buffer)
		if err != nil {
			return 0, err
		}
		reader.next++
		reader.pending = reader.buffer
	}

	n := copy(output, reader.pending)
	reader.pending = reader.pending[n:]
	return n, nil
}

// Export writes a snapshot of every block on `device` to `output`. Volumes
// should be synced first.
//
// The returned header is the one written at the start of the snapshot. The
// int64 is the number of compressed bytes written after it.
func Export(device inodefs.BlockDevice, output io.Writer) (Header, int64, error) {
	header := Header{
		Magic:         Magic,
		Version:       FormatVersion,
		ID:            uuid.New(),
		BytesPerBlock: uint32(device.BytesPerBlock()),
		TotalBlocks:   uint32(device.TotalBlocks()),
	}
	err := binary.Write(output, binary.BigEndian, &header)
	if err != nil {
		return header, 0, inodefs.ErrIOFailed.Wrap(err)
	}

	gzWriter, err := gzip.NewWriterLevel(output, gzip.BestCompression)
	if err != nil {
		return header, 0, inodefs.ErrIOFailed.Wrap(err)
	}

	source := &blockReader{
		device: device,
		buffer: make([]byte, device.BytesPerBlock()),
	}
	written, err := EncodeRLE8(source, gzWriter)
	if err != nil {
		gzWriter.Close()
		return header, written, inodefs.CastToDriverError(err)
	}

	err = gzWriter.Close()
	if err != nil {
		return header, written, inodefs.ErrIOFailed.Wrap(err)
	}
	return header, written, nil
}

// ReadHeader reads and validates the header at the start of a snapshot.
func ReadHeader(input io.Reader) (Header, error) {
	var header Header
	err := binary.Read(input, binary.BigEndian, &header)
	if err != nil {
		return header, inodefs.ErrIOFailed.Wrap(err)
	}

	if header.Magic != Magic {
		return header, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("not a snapshot: bad magic number %q", header.Magic[:]))
	}
	if header.Version != FormatVersion {
		return header, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unsupported snapshot version %d", header.Version))
	}
	if header.BytesPerBlock == 0 || header.TotalBlocks == 0 {
		return header, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid geometry: %d blocks of %d bytes",
				header.TotalBlocks,
				header.BytesPerBlock,
			),
		)
	}
	return header, nil
}

// Decompress reads a whole snapshot and returns its header and the raw contents
// of the volume.
func Decompress(input io.Reader) (Header, []byte, error) {
	header, err := ReadHeader(input)
	if err != nil {
		return header, nil, err
	}

	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return header, nil, inodefs.ErrIOFailed.Wrap(err)
	}
	defer gzReader.Close()

	expectedSize := int64(header.BytesPerBlock) * int64(header.TotalBlocks)
	image := bytes.NewBuffer(make([]byte, 0, expectedSize))
	size, err := DecodeRLE8(gzReader, image)
	if err != nil {
		return header, nil, inodefs.ErrIOFailed.Wrap(err)
	}

	if size != expectedSize {
		return header, nil, inodefs.ErrIOFailed.WithMessage(
			fmt.Sprintf("snapshot should be %d bytes uncompressed, got %d", expectedSize, size))
	}
	return header, image.Bytes(), nil
}

// Import loads a snapshot into a new in-memory device.
func Import(input io.Reader) (*blockdevice.Stream, error) {
	header, image, err := Decompress(input)
	if err != nil {
		return nil, err
	}
	return blockdevice.NewMemoryFromBytes(image, uint(header.BytesPerBlock))
}

// Restore overwrites every block of `device` with the contents of a snapshot.
// The snapshot's geometry must match the device's exactly.
func Restore(input io.Reader, device inodefs.BlockDevice) error {
	header, image, err := Decompress(input)
	if err != nil {
		return err
	}

	if uint(header.BytesPerBlock) != device.BytesPerBlock() ||
		uint(header.TotalBlocks) != device.TotalBlocks() {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"snapshot is %d blocks of %d bytes, device is %d blocks of %d bytes",
				header.TotalBlocks,
				header.BytesPerBlock,
				device.TotalBlocks(),
				device.BytesPerBlock(),
			),
		)
	}

	blockSize := uint(header.BytesPerBlock)
	for i := uint(0); i < uint(header.TotalBlocks); i++ {
		err = device.WriteBlock(i, image[i*blockSize:(i+1)*blockSize])
		if err != nil {
			return inodefs.CastToDriverError(err).WithMessage(
				fmt.Sprintf("restoring block %d", i))
		}
	}

	if flusher, ok := device.(inodefs.Flusher); ok {
		return flusher.Flush()
	}
	return nil
}
