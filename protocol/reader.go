package protocol

import (
	"bufio"
	"errors"
	"io"
)

const readBufferSize = 64 * 1024

// Reader recovers newline-delimited packets from a byte stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r with packet framing bounded by MaxPacketSize.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, MaxPacketSize)
}

// NewReaderSize wraps r with a custom maximum line size.
func NewReaderSize(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = MaxPacketSize
	}
	return &Reader{br: bufio.NewReaderSize(r, readBufferSize), max: maxLine}
}

// ReadPacket returns the next packet.
//
// A *DecodeError means one line was dropped and the stream is still usable.
// Any other error comes from the underlying stream and is terminal.
func (r *Reader) ReadPacket() (Packet, error) {
	line, err := r.readLine()
	if err != nil {
		return Packet{}, err
	}
	return Decode(line)
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(line)+len(chunk) > r.max {
			if errors.Is(err, bufio.ErrBufferFull) {
				if discardErr := r.discardLine(); discardErr != nil {
					return nil, discardErr
				}
			}
			return nil, &DecodeError{Reason: "line too long", Err: ErrPacketTooLarge}
		}

		switch {
		case err == nil:
			if line == nil {
				return append([]byte(nil), chunk...), nil
			}
			return append(line, chunk...), nil
		case errors.Is(err, bufio.ErrBufferFull):
			line = append(line, chunk...)
		case errors.Is(err, io.EOF) && len(line)+len(chunk) > 0:
			// Partial trailing line without a terminator.
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func (r *Reader) discardLine() error {
	for {
		_, err := r.br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
