package synack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2plookup/synack/types"
)

type halfCloseBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *halfCloseBuffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("write after close")
	}
	return b.Buffer.Write(p)
}

func (b *halfCloseBuffer) CloseWrite() error {
	b.closed = true
	return nil
}

func frame(length uint32, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, length)
	return append(buf, payload...)
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{1, 2, 3, 17, 512, MaxPayloadSize - 1, MaxPayloadSize} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		payload[0] = byte(size)

		var buf halfCloseBuffer
		require.NoError(t, Write(&buf, Syn(payload)))
		assert.True(t, buf.closed, "write side must be closed after the frame")
		assert.Equal(t, 4+size, buf.Len())

		msg, err := Read(&buf, SynRequest)
		require.NoError(t, err)
		assert.Equal(t, KindSyn, msg.Kind)
		assert.Equal(t, payload, msg.Payload)
	}
}

func TestKindComesFromChannel(t *testing.T) {
	testCases := []struct {
		ch   Channel
		kind Kind
	}{
		{SynRequest, KindSyn},
		{SynResponse, KindSynAck},
		{AckRequest, KindAck},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			// payload text deliberately names a different kind
			msg, err := Read(bytes.NewReader(frame(3, []byte("ACK"))), tc.ch)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, msg.Kind)

			ch, err := ChannelOf(tc.kind)
			require.NoError(t, err)
			assert.Equal(t, tc.ch, ch)
		})
	}

	_, err := Read(bytes.NewReader(frame(1, []byte{1})), Channel{Protocol: AckProtocol, Response: true})
	assert.Error(t, err)
}

func TestEncodeFrameLayout(t *testing.T) {
	out, err := Encode(SynAck([]byte("SYNACK")))
	require.NoError(t, err)
	assert.Equal(t, frame(6, []byte("SYNACK")), out)
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name  string
		input []byte
		want  error
	}{
		{"zero length", frame(0, nil), types.ErrEmptyPayload},
		{"declared length over limit", frame(MaxPayloadSize+1, bytes.Repeat([]byte{1}, MaxPayloadSize+1)), types.ErrMalformedFrame},
		{"huge declared length", frame(1<<31, nil), types.ErrMalformedFrame},
		{"truncated payload", frame(10, []byte("abc")), types.ErrMalformedFrame},
		{"truncated header", []byte{0, 0}, types.ErrMalformedFrame},
		{"empty stream", nil, types.ErrMalformedFrame},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tc.input), SynResponse)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeRejectsBadPayloads(t *testing.T) {
	_, err := Encode(Syn(nil))
	assert.ErrorIs(t, err, types.ErrEmptyPayload)

	_, err = Encode(Ack(make([]byte, MaxPayloadSize+1)))
	assert.ErrorIs(t, err, types.ErrMalformedFrame)

	var buf halfCloseBuffer
	assert.Error(t, Write(&buf, Syn(nil)))
	assert.False(t, buf.closed)
	assert.Zero(t, buf.Len())
}
