package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/robolab/teleopctl/internal/testutil/testlog"
)

func sampleObservation() Observation {
	return Observation{
		Seq:         7,
		Timestamp:   123456789,
		Instruction: "pick up the red block",
		Channels: map[string]Tensor{
			"observation.state": {
				Dtype: DtypeFloat32,
				Dims:  []uint32{6},
				Data:  []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			},
			"observation.images.wrist": {
				Dtype: DtypeUint8,
				Dims:  []uint32{2, 2, 3},
				Data:  bytes.Repeat([]byte{0x7f}, 12),
			},
		},
	}
}

func TestObservationRoundTrip(t *testing.T) {
	testlog.Start(t)
	obs := sampleObservation()
	data, err := Encode(obs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(Observation)
	if !ok {
		t.Fatalf("unexpected message type %T", decoded)
	}
	if !reflect.DeepEqual(got, obs) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", got, obs)
	}
}

func TestActionRoundTrip(t *testing.T) {
	testlog.Start(t)
	act := Action{
		Seq:              7,
		Timestamp:        987654321,
		ComputeLatencyNS: 41_000_000,
		Channels: map[string]Tensor{
			"action": {Dtype: DtypeFloat32, Dims: []uint32{7}, Data: bytes.Repeat([]byte{1}, 28)},
		},
	}
	data, err := Encode(act)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, act) {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestHeartbeatAndErrorRoundTrip(t *testing.T) {
	testlog.Start(t)
	hb := Heartbeat{Seq: 3, Timestamp: 42}
	data, err := Encode(hb)
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if decoded != hb {
		t.Fatalf("heartbeat mismatch: %+v", decoded)
	}

	em := ErrorMessage{Seq: 9, Timestamp: 43, Code: CodeInferenceFailed, Message: "policy blew up"}
	data, err = Encode(em)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	decoded, err = Decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded != em {
		t.Fatalf("error mismatch: %+v", decoded)
	}
}

func TestEncodeDeterministicChannelOrder(t *testing.T) {
	testlog.Start(t)
	obs := sampleObservation()
	a, err := Encode(obs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(obs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestEncodeRejectsOversizedChannelMeta(t *testing.T) {
	testlog.Start(t)
	longName := strings.Repeat("n", MaxChannelNameLen+1)
	obs := Observation{
		Seq:       1,
		Timestamp: 1,
		Channels: map[string]Tensor{
			longName: {Dtype: DtypeUint8, Dims: []uint32{1}, Data: []byte{0}},
		},
	}
	if _, err := Encode(obs); !errors.Is(err, ErrChannelTooLarge) {
		t.Fatalf("expected ErrChannelTooLarge for name, got %v", err)
	}

	act := Action{
		Seq:       1,
		Timestamp: 1,
		Channels: map[string]Tensor{
			"action": {Dtype: DtypeUint8, Dims: make([]uint32, MaxTensorRank+1)},
		},
	}
	if _, err := Encode(act); !errors.Is(err, ErrChannelTooLarge) {
		t.Fatalf("expected ErrChannelTooLarge for rank, got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(Heartbeat{Seq: 1, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data[0] = 'X'
	if _, err := Decode(data); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(Heartbeat{Seq: 1, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data[3] = Version + 1
	if _, err := Decode(data); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(Heartbeat{Seq: 1, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data[4] = 0x7e
	if _, err := Decode(data); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("expected ErrUnknownMessageKind, got %v", err)
	}
}

func TestDecodeUnknownDtype(t *testing.T) {
	testlog.Start(t)
	obs := Observation{
		Seq:       1,
		Timestamp: 1,
		Channels: map[string]Tensor{
			"state": {Dtype: DtypeFloat32, Dims: []uint32{1}, Data: []byte{0, 0, 0, 0}},
		},
	}
	data, err := Encode(obs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// dtype tag sits right after the channel name.
	idx := bytes.Index(data, []byte("state")) + len("state")
	data[idx] = 0xee
	if _, err := Decode(data); !errors.Is(err, ErrUnknownDtype) {
		t.Fatalf("expected ErrUnknownDtype, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(sampleObservation())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, cut := range []int{1, 5, 13, len(data) / 2, len(data) - 1} {
		if _, err := Decode(data[:cut]); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("cut=%d: expected ErrMalformedFrame, got %v", cut, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(Heartbeat{Seq: 1, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data = append(data, 0xde, 0xad)
	if _, err := Decode(data); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadWriteMessageStream(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	obs := sampleObservation()
	hb := Heartbeat{Seq: 8, Timestamp: 99}
	if err := WriteMessage(&buf, obs, DefaultMaxFrameBytes); err != nil {
		t.Fatalf("write observation: %v", err)
	}
	if err := WriteMessage(&buf, hb, DefaultMaxFrameBytes); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	first, err := ReadMessage(&buf, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if !reflect.DeepEqual(first, obs) {
		t.Fatalf("first message mismatch: %+v", first)
	}
	second, err := ReadMessage(&buf, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second != hb {
		t.Fatalf("second message mismatch: %+v", second)
	}
	if _, err := ReadMessage(&buf, DefaultMaxFrameBytes); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadMessageFrameTooLarge(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteMessage(&buf, sampleObservation(), DefaultMaxFrameBytes); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMessage(&buf, 8); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
