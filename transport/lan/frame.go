package lan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the largest accepted frame body.
const MaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge indicates a frame body above MaxFrameSize.
	ErrFrameTooLarge = errors.New("lan: frame exceeds max size")
	// ErrUnexpectedFrame indicates a frame that is invalid in the current link state.
	ErrUnexpectedFrame = errors.New("lan: unexpected frame")
	// ErrUnsupportedVersion indicates a peer speaking another wire version.
	ErrUnsupportedVersion = errors.New("lan: unsupported protocol version")
)

type frameType string

const (
	frameRequest  frameType = "request"
	frameResponse frameType = "response"
	frameDecision frameType = "decision"
	framePayload  frameType = "payload"
	frameBye      frameType = "bye"
)

// frame is the single wire message shape. Fields unused by a type stay empty.
type frame struct {
	Type         frameType `cbor:"1,keyasint"`
	Version      int       `cbor:"2,keyasint,omitempty"`
	EndpointID   string    `cbor:"3,keyasint,omitempty"`
	EndpointName string    `cbor:"4,keyasint,omitempty"`
	ServiceID    string    `cbor:"5,keyasint,omitempty"`
	Key          []byte    `cbor:"6,keyasint,omitempty"`
	Accept       bool      `cbor:"7,keyasint,omitempty"`
	Status       int       `cbor:"8,keyasint,omitempty"`
	Nonce        []byte    `cbor:"9,keyasint,omitempty"`
	Sealed       []byte    `cbor:"10,keyasint,omitempty"`
}

// frameCodec encodes frames with deterministic CBOR.
type frameCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newFrameCodec() (*frameCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}
	return &frameCodec{enc: em, dec: dm}, nil
}

func (c *frameCodec) write(w io.Writer, f frame) error {
	body, err := c.enc.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return writeFrame(w, body)
}

func (c *frameCodec) read(r io.Reader) (frame, error) {
	body, err := readFrame(r)
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := c.dec.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("decode frame: %w", ErrUnexpectedFrame)
	}
	return f, nil
}

func (c *frameCodec) readWithTimeout(conn net.Conn, timeout time.Duration) (frame, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return c.read(conn)
}

// writeFrame writes one 4-byte big-endian length-prefixed frame.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
