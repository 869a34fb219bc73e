package proxynode

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies one tunnel frame.
type FrameType uint8

const (
	FrameRequestHeaders FrameType = iota + 1
	FrameRequestBody
	FrameEndStream
	FrameResponseHeaders
	FrameResponseBody
	FrameHeartbeat
	FramePing
	FramePong
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameRequestHeaders:
		return "REQUEST_HEADERS"
	case FrameRequestBody:
		return "REQUEST_BODY"
	case FrameEndStream:
		return "END_STREAM"
	case FrameResponseHeaders:
		return "RESPONSE_HEADERS"
	case FrameResponseBody:
		return "RESPONSE_BODY"
	case FrameHeartbeat:
		return "HEARTBEAT"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameError:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// maxFramePayload bounds a single frame. Bodies are chunked below this.
const maxFramePayload = 1 << 20

// frame is one tunnel protocol unit. Wire layout: 4-byte big-endian length
// of what follows, 1-byte type, 4-byte stream id, payload.
type frame struct {
	typ     FrameType
	stream  uint32
	payload []byte
}

const frameHeaderLen = 5 // type + stream id

// writeFrame serializes one frame. The caller holds the connection write lock.
func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > maxFramePayload {
		return fmt.Errorf("tunnel: frame payload %d exceeds cap", len(f.payload))
	}
	var hdr [4 + frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(frameHeaderLen+len(f.payload)))
	hdr[4] = byte(f.typ)
	binary.BigEndian.PutUint32(hdr[5:9], f.stream)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame, rejecting oversized lengths before allocating.
func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < frameHeaderLen || n > frameHeaderLen+maxFramePayload {
		return frame{}, fmt.Errorf("tunnel: bad frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	f := frame{
		typ:    FrameType(buf[0]),
		stream: binary.BigEndian.Uint32(buf[1:5]),
	}
	if n > frameHeaderLen {
		f.payload = buf[frameHeaderLen:]
	}
	return f, nil
}
