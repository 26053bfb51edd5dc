// Package protocol implements the control-channel wire codec.
//
// A frame is a fixed-order big-endian binary message:
//
//	magic[3] version[1] kind[1] seq[8] ts[8] <kind extras> channels[4] entries...
//
// Kind extras: Observation carries an instruction string, Action carries the
// server compute latency, Error carries a code and message. Each channel
// entry is name-len[2] name dtype[1] rank[1] dims[4*rank] payload-len[4]
// payload. The codec never interprets payload bytes.
package protocol
