package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decode parses one wire message. Truncated or garbled input fails with
// ErrMalformedFrame, a mismatched version tag with ErrUnsupportedVersion,
// an unrecognized element type with ErrUnknownDtype, and an unrecognized
// kind byte with ErrUnknownMessageKind.
func Decode(data []byte) (Message, error) {
	if len(data) < fixedHeaderLen {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(data))
	}
	if data[0] != Magic0 || data[1] != Magic1 || data[2] != Magic2 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}
	if data[3] != Version {
		return nil, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, data[3], Version)
	}

	kind := Kind(data[4])
	seq := binary.BigEndian.Uint64(data[5:13])
	ts := binary.BigEndian.Uint64(data[13:21])
	r := reader{buf: data, off: fixedHeaderLen}

	switch kind {
	case KindObservation:
		instruction, err := r.string32()
		if err != nil {
			return nil, err
		}
		channels, err := r.channels()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return Observation{Seq: seq, Timestamp: ts, Instruction: instruction, Channels: channels}, nil
	case KindAction:
		latency, err := r.u64()
		if err != nil {
			return nil, err
		}
		channels, err := r.channels()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return Action{Seq: seq, Timestamp: ts, ComputeLatencyNS: latency, Channels: channels}, nil
	case KindHeartbeat:
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return Heartbeat{Seq: seq, Timestamp: ts}, nil
	case KindError:
		code, err := r.u32()
		if err != nil {
			return nil, err
		}
		message, err := r.string32()
		if err != nil {
			return nil, err
		}
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return ErrorMessage{Seq: seq, Timestamp: ts, Code: code, Message: message}, nil
	default:
		return nil, fmt.Errorf("%w: kind=%d", ErrUnknownMessageKind, kind)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedFrame, r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) string32() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) channels() (map[string]Tensor, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	channels := make(map[string]Tensor, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		nameBytes, err := r.take(int(nameLen))
		if err != nil {
			return nil, err
		}
		name := string(nameBytes)

		tagByte, err := r.take(1)
		if err != nil {
			return nil, err
		}
		dtype := Dtype(tagByte[0])
		if !dtype.Valid() {
			return nil, fmt.Errorf("%w: tag=%d channel=%q", ErrUnknownDtype, tagByte[0], name)
		}

		rankByte, err := r.take(1)
		if err != nil {
			return nil, err
		}
		rank := int(rankByte[0])
		var dims []uint32
		if rank > 0 {
			dims = make([]uint32, rank)
			for d := 0; d < rank; d++ {
				dims[d], err = r.u32()
				if err != nil {
					return nil, err
				}
			}
		}

		payloadLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.take(int(payloadLen))
		if err != nil {
			return nil, err
		}
		var data []byte
		if payloadLen > 0 {
			data = make([]byte, payloadLen)
			copy(data, payload)
		}
		channels[name] = Tensor{Dtype: dtype, Dims: dims, Data: data}
	}
	return channels, nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf)-r.off)
	}
	return nil
}
