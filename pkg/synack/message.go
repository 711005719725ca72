// Package synack implements the SYN/SYNACK/ACK handshake wire protocol.
//
// Every frame is a 4-byte big-endian length followed by the payload. The kind of
// a decoded message is never read from the payload: it is fixed by the stream
// protocol and direction the frame travelled on.
package synack

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// SynProtocol carries a Syn request and its SynAck response.
	SynProtocol protocol.ID = "/synack/syn/0.0.1"
	// AckProtocol carries an Ack request. It has no response.
	AckProtocol protocol.ID = "/synack/ack/0.0.1"

	// MaxPayloadSize is the largest payload accepted by the codec.
	MaxPayloadSize = 1024
)

// Kind is the handshake message variant.
type Kind uint8

const (
	KindSyn Kind = iota + 1
	KindSynAck
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindSyn:
		return "SYN"
	case KindSynAck:
		return "SYNACK"
	case KindAck:
		return "ACK"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is a handshake message. Payload is opaque application data.
type Message struct {
	Kind    Kind
	Payload []byte
}

func Syn(payload []byte) Message { return Message{Kind: KindSyn, Payload: payload} }
func SynAck(payload []byte) Message { return Message{Kind: KindSynAck, Payload: payload} }
func Ack(payload []byte) Message { return Message{Kind: KindAck, Payload: payload} }

func (m Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Payload))
}

// Channel identifies the stream protocol and direction a frame travels on.
type Channel struct {
	Protocol protocol.ID
	Response bool
}

var (
	SynRequest  = Channel{Protocol: SynProtocol}
	SynResponse = Channel{Protocol: SynProtocol, Response: true}
	AckRequest  = Channel{Protocol: AckProtocol}
)

// Kind returns the message kind carried by the channel.
func (c Channel) Kind() (Kind, error) {
	switch {
	case c == SynRequest:
		return KindSyn, nil
	case c == SynResponse:
		return KindSynAck, nil
	case c == AckRequest:
		return KindAck, nil
	default:
		return 0, fmt.Errorf("no message kind for %s (response=%t)", c.Protocol, c.Response)
	}
}

// ChannelOf returns the channel a message of kind k is written to.
func ChannelOf(k Kind) (Channel, error) {
	switch k {
	case KindSyn:
		return SynRequest, nil
	case KindSynAck:
		return SynResponse, nil
	case KindAck:
		return AckRequest, nil
	default:
		return Channel{}, fmt.Errorf("unknown message kind %s", k)
	}
}
