package snapshot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxRunLength is the longest run RLE8 can store in one group: the two literal
// bytes plus up to 255 repetitions.
const maxRunLength = 257

// byteRun is a single run of a particular byte value.
type byteRun struct {
	value byte
	// length is the number of times the byte occurs, not the number of times
	// it's repeated. It's 0 at the end of the input.
	length int
}

// nextRun reads the next run of identical bytes from `source`.
func nextRun(source *bufio.Reader) (byteRun, error) {
	first, err := source.ReadByte()
	if err != nil {
		return byteRun{}, err
	}

	run := byteRun{value: first, length: 1}
	for {
		current, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return run, nil
		} else if err != nil {
			return byteRun{}, err
		}

		if current != first {
			source.UnreadByte()
			return run, nil
		}
		run.length++
	}
}

// EncodeRLE8 run-length encodes everything from `input` into `output` and
// returns the number of bytes written.
//
// A byte occurring N >= 2 times in a row is written twice followed by N - 2 as
// a single byte, so runs of up to 257 take three bytes. Longer runs are split
// into several groups.
func EncodeRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	written := int64(0)

	for {
		run, err := nextRun(source)
		if errors.Is(err, io.EOF) {
			return written, nil
		} else if err != nil {
			return written, err
		}

		for run.length >= 2 {
			groupLength := run.length
			if groupLength > maxRunLength {
				groupLength = maxRunLength
			}

			n, err := output.Write([]byte{run.value, run.value, byte(groupLength - 2)})
			written += int64(n)
			if err != nil {
				return written, err
			}
			run.length -= groupLength
		}

		if run.length == 1 {
			n, err := output.Write([]byte{run.value})
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
	}
}

// DecodeRLE8 reverses EncodeRLE8, returning the number of bytes written to
// `output`.
func DecodeRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	previous := -1
	written := int64(0)

	for {
		current, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return written, nil
		} else if err != nil {
			return written, fmt.Errorf("reading compressed data: %w", err)
		}

		var decoded []byte
		if int(current) == previous {
			count, err := source.ReadByte()
			if errors.Is(err, io.EOF) {
				return written, fmt.Errorf(
					"%w: missing repeat count after two %02x bytes",
					io.ErrUnexpectedEOF,
					current,
				)
			} else if err != nil {
				return written, fmt.Errorf("reading compressed data: %w", err)
			}

			// The first copy of the byte was already written on the previous
			// iteration.
			decoded = bytes.Repeat([]byte{current}, int(count)+1)
			previous = -1
		} else {
			decoded = []byte{current}
			previous = int(current)
		}

		n, err := output.Write(decoded)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing decompressed data: %w", err)
		}
	}
}
