package protocol

// Wire constants. MagicVersion is the 4-byte magic/version tag: three magic
// bytes followed by the protocol version byte.
const (
	Magic0  byte = 'T'
	Magic1  byte = 'L'
	Magic2  byte = 'C'
	Version byte = 1
)

// Kind is the message-kind byte.
type Kind uint8

const (
	KindObservation Kind = 1
	KindAction      Kind = 2
	KindHeartbeat   Kind = 3
	KindError       Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindObservation:
		return "observation"
	case KindAction:
		return "action"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Dtype tags the element type of a tensor payload.
type Dtype uint8

const (
	DtypeFloat32 Dtype = 1
	DtypeFloat64 Dtype = 2
	DtypeInt32   Dtype = 3
	DtypeInt64   Dtype = 4
	DtypeUint8   Dtype = 5
	DtypeBool    Dtype = 6
)

func (d Dtype) Valid() bool {
	return d >= DtypeFloat32 && d <= DtypeBool
}

// Tensor is a typed payload with a declared shape. Contents are opaque.
type Tensor struct {
	Dtype Dtype
	Dims  []uint32
	Data  []byte
}

// Message is one decodable control-channel message.
type Message interface {
	MessageKind() Kind
	Sequence() uint64
}

// Observation is the client->server sensor snapshot. Seq is assigned by the
// client and increases monotonically within a session. Timestamp is
// nanoseconds since session start on the sender's clock.
type Observation struct {
	Seq         uint64
	Timestamp   uint64
	Instruction string
	Channels    map[string]Tensor
}

func (o Observation) MessageKind() Kind { return KindObservation }
func (o Observation) Sequence() uint64  { return o.Seq }

// Action is the server->client actuator command. Seq is the sequence number
// of the observation it was computed from. ComputeLatencyNS is the measured
// server-side inference latency.
type Action struct {
	Seq              uint64
	Timestamp        uint64
	ComputeLatencyNS uint64
	Channels         map[string]Tensor
}

func (a Action) MessageKind() Kind { return KindAction }
func (a Action) Sequence() uint64  { return a.Seq }

// Heartbeat keeps an otherwise idle direction alive.
type Heartbeat struct {
	Seq       uint64
	Timestamp uint64
}

func (h Heartbeat) MessageKind() Kind { return KindHeartbeat }
func (h Heartbeat) Sequence() uint64  { return h.Seq }

// Error codes carried on wire error messages.
const (
	CodeInferenceFailed uint32 = 1
	CodeMalformed       uint32 = 2
	CodeInternal        uint32 = 3
)

// ErrorMessage reports a per-request failure. Seq is the sequence number of
// the observation that triggered it.
type ErrorMessage struct {
	Seq       uint64
	Timestamp uint64
	Code      uint32
	Message   string
}

func (e ErrorMessage) MessageKind() Kind { return KindError }
func (e ErrorMessage) Sequence() uint64  { return e.Seq }
