package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const fixedHeaderLen = 4 + 1 + 8 + 8

// Wire-format bounds on channel entries: name length is carried as u16,
// rank as u8. Values beyond them cannot be represented and are rejected at
// encode time rather than silently truncated.
const (
	MaxChannelNameLen = 1<<16 - 1
	MaxTensorRank     = 1<<8 - 1
)

// Encode serializes msg to its wire form. It fails for a nil or
// unknown-kind message and for channel entries that exceed the wire-format
// bounds; every other in-memory value encodes.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, Magic0, Magic1, Magic2, Version)
	buf = append(buf, byte(msg.MessageKind()))
	buf = binary.BigEndian.AppendUint64(buf, msg.Sequence())

	var err error
	switch m := msg.(type) {
	case Observation:
		buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
		buf = appendString32(buf, m.Instruction)
		buf, err = appendChannels(buf, m.Channels)
	case Action:
		buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
		buf = binary.BigEndian.AppendUint64(buf, m.ComputeLatencyNS)
		buf, err = appendChannels(buf, m.Channels)
	case Heartbeat:
		buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
		buf = binary.BigEndian.AppendUint32(buf, 0)
	case ErrorMessage:
		buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
		buf = binary.BigEndian.AppendUint32(buf, m.Code)
		buf = appendString32(buf, m.Message)
		buf = binary.BigEndian.AppendUint32(buf, 0)
	default:
		return nil, ErrUnknownMessageKind
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// appendChannels writes the channel count and each entry in name order so
// encoding is deterministic.
func appendChannels(buf []byte, channels map[string]Tensor) ([]byte, error) {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(names)))
	for _, name := range names {
		tensor := channels[name]
		if len(name) > MaxChannelNameLen {
			return nil, fmt.Errorf("%w: channel name %d bytes", ErrChannelTooLarge, len(name))
		}
		if len(tensor.Dims) > MaxTensorRank {
			return nil, fmt.Errorf("%w: channel %q rank %d", ErrChannelTooLarge, name, len(tensor.Dims))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = append(buf, byte(tensor.Dtype))
		buf = append(buf, byte(len(tensor.Dims)))
		for _, dim := range tensor.Dims {
			buf = binary.BigEndian.AppendUint32(buf, dim)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(tensor.Data)))
		buf = append(buf, tensor.Data...)
	}
	return buf, nil
}

func appendString32(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
