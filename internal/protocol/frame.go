package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds decode memory for one frame. Camera channels
// dominate frame size; 8 MiB covers several uncompressed VGA frames.
const DefaultMaxFrameBytes = 8 * 1024 * 1024

// WriteMessage writes msg to w as a length-prefixed frame.
func WriteMessage(w io.Writer, msg Message, maxFrameBytes uint32) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if uint32(len(data)) > maxFrameBytes {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one length-prefixed frame from r and decodes it. A clean
// EOF before the prefix is returned as io.EOF; truncation mid-frame is
// ErrMalformedFrame.
func ReadMessage(r io.Reader, maxFrameBytes uint32) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short length prefix", ErrMalformedFrame)
		}
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(prefix[:])
	if frameLen > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame body", ErrMalformedFrame)
		}
		return nil, err
	}
	return Decode(data)
}
