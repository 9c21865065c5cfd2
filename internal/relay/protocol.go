// Package relay implements the coordinator's audio relay: a websocket server
// that audio workers register with, a control-plane protocol for liveness and
// registration, and the client used by workers to speak it. Control messages
// are JSON text frames; audio travels as binary frames. Frames sent to
// receivers carry an 8-byte big-endian sequence prefix so gaps are visible
// downstream.
package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType enumerates control-plane message types.
type MsgType string

const (
	// MsgRegister is sent by an endpoint right after connecting.
	MsgRegister MsgType = "register"

	// MsgRegistered acknowledges a registration. Sent to a forwarder it
	// carries the section's listener count; sent to a receiver it echoes the
	// section ID. The coordinator re-sends it to a forwarder whenever the
	// listener count changes.
	MsgRegistered MsgType = "registered"

	// MsgPing is sent by the coordinator to probe endpoint liveness.
	MsgPing MsgType = "ping"

	// MsgPong answers a ping, echoing its timestamp.
	MsgPong MsgType = "pong"

	// MsgError reports a fatal protocol error. The coordinator closes the
	// connection after sending one.
	MsgError MsgType = "error"
)

// Role identifies which side of a section an endpoint serves.
type Role string

const (
	// RoleForwarder endpoints capture speaker audio and push it in.
	RoleForwarder Role = "fwd"

	// RoleReceiver endpoints pull section audio out for playback.
	RoleReceiver Role = "rcv"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleForwarder || r == RoleReceiver
}

// Message is a control-plane frame. Type is always set; the remaining fields
// depend on it and are omitted from the wire when empty.
type Message struct {
	Type          MsgType `json:"type"`
	ID            string  `json:"id,omitempty"`
	Role          Role    `json:"role,omitempty"`
	SectionID     string  `json:"section_id,omitempty"`
	GuildID       string  `json:"guild_id,omitempty"`
	ChannelID     string  `json:"channel_id,omitempty"`
	ListenerCount int     `json:"listener_count,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// Encode serialises m for the wire.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("relay: message type must not be empty")
	}
	return json.Marshal(m)
}

// Decode parses a control frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("relay: decode control frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("relay: control frame missing type")
	}
	return m, nil
}

// audioHeaderLen is the length of the sequence prefix on coordinator-to-
// receiver audio frames.
const audioHeaderLen = 8

// ErrShortAudioFrame is returned by [DecodeAudio] for frames shorter than
// the sequence prefix.
var ErrShortAudioFrame = errors.New("relay: audio frame shorter than sequence header")

// AudioPacket is one audio frame as delivered to a receiver endpoint.
type AudioPacket struct {
	// Seq is the pipeline sequence number. Zero on talkback frames, which
	// carry no prefix.
	Seq uint64

	// Payload is the opus packet.
	Payload []byte
}

// EncodeAudio prefixes payload with seq for a coordinator-to-receiver frame.
func EncodeAudio(seq uint64, payload []byte) []byte {
	buf := make([]byte, audioHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[audioHeaderLen:], payload)
	return buf
}

// DecodeAudio splits a coordinator-to-receiver frame into its sequence
// number and opus payload.
func DecodeAudio(frame []byte) (AudioPacket, error) {
	if len(frame) < audioHeaderLen {
		return AudioPacket{}, ErrShortAudioFrame
	}
	return AudioPacket{
		Seq:     binary.BigEndian.Uint64(frame),
		Payload: frame[audioHeaderLen:],
	}, nil
}
