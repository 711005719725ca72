package synack

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"

	"github.com/p2plookup/synack/types"
)

// HalfCloseWriter is a stream whose write side can be closed independently.
// network.Stream satisfies it.
type HalfCloseWriter interface {
	io.Writer
	CloseWrite() error
}

func checkPayload(payload []byte) error {
	if len(payload) == 0 {
		return types.ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", types.ErrMalformedFrame, len(payload), MaxPayloadSize)
	}
	return nil
}

// Encode returns the length-prefixed frame for msg.
func Encode(msg Message) ([]byte, error) {
	if err := checkPayload(msg.Payload); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := msgio.NewWriter(&buf).WriteMsg(msg.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write sends msg as a single frame and half-closes the write side of w.
func Write(w HalfCloseWriter, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Kind, err)
	}
	if err := w.CloseWrite(); err != nil {
		return fmt.Errorf("closing write side after %s: %w", msg.Kind, err)
	}
	return nil
}

// Read decodes one frame from r. The message kind comes from ch.
func Read(r io.Reader, ch Channel) (Message, error) {
	kind, err := ch.Kind()
	if err != nil {
		return Message{}, err
	}

	mr := msgio.NewReaderSize(r, MaxPayloadSize)
	raw, err := mr.ReadMsg()
	if err != nil {
		if raw != nil {
			mr.ReleaseMsg(raw)
		}
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return Message{}, fmt.Errorf("%w: declared length exceeds %d", types.ErrMalformedFrame, MaxPayloadSize)
		}
		return Message{}, fmt.Errorf("%w: %w", types.ErrMalformedFrame, err)
	}
	if len(raw) == 0 {
		return Message{}, types.ErrEmptyPayload
	}

	payload := make([]byte, len(raw))
	copy(payload, raw)
	mr.ReleaseMsg(raw)
	return Message{Kind: kind, Payload: payload}, nil
}
