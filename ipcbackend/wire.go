package ipcbackend

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content-subtype this package registers its raw
// codec under. Because protoc is unavailable in this environment, the
// wire messages below are plain Go structs with a hand-rolled,
// little-endian length-prefixed byte framing rather than generated
// proto.Message types.
const codecName = "enclaveprim-raw"

// wireMessage is implemented by every request/response type exchanged
// over the ipcbackend gRPC service.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire([]byte) error
}

// rawCodec adapts wireMessage's hand-rolled framing to grpc's
// encoding.Codec interface.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	wm, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("ipcbackend: %T does not implement wireMessage", v)
	}
	return wm.marshalWire(), nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	wm, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("ipcbackend: %T does not implement wireMessage", v)
	}
	return wm.unmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

func putFrames(buf []byte, frames [][]byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(frames)))
	buf = append(buf, n[:]...)
	for _, f := range frames {
		binary.LittleEndian.PutUint32(n[:], uint32(len(f)))
		buf = append(buf, n[:]...)
		buf = append(buf, f...)
	}
	return buf
}

func getFrames(data []byte) (frames [][]byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("ipcbackend: truncated frame count")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	frames = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("ipcbackend: truncated frame length")
		}
		n := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, nil, fmt.Errorf("ipcbackend: truncated frame body")
		}
		frames = append(frames, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return frames, data, nil
}

func putString(buf []byte, s string) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func getString(data []byte) (s string, rest []byte, err error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("ipcbackend: truncated string length")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, fmt.Errorf("ipcbackend: truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

// entryRequest is the Entry RPC's request message: a selector plus the
// caller's parameter stack frames.
type entryRequest struct {
	Selector uint64
	Frames   [][]byte
}

func (r *entryRequest) marshalWire() []byte {
	buf := make([]byte, 0, 8+len(r.Frames)*8)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], r.Selector)
	buf = append(buf, n[:]...)
	return putFrames(buf, r.Frames)
}

func (r *entryRequest) unmarshalWire(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("ipcbackend: truncated entryRequest")
	}
	r.Selector = binary.LittleEndian.Uint64(data[:8])
	frames, _, err := getFrames(data[8:])
	if err != nil {
		return err
	}
	r.Frames = frames
	return nil
}

// entryResponse is the Entry RPC's response message: a PrimitiveStatus
// (code, message) plus the resulting parameter stack frames.
type entryResponse struct {
	Code    int32
	Message string
	Frames  [][]byte
}

func (r *entryResponse) marshalWire() []byte {
	buf := make([]byte, 0, 8+len(r.Message)+len(r.Frames)*8)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(r.Code))
	buf = append(buf, n[:]...)
	buf = putString(buf, r.Message)
	return putFrames(buf, r.Frames)
}

func (r *entryResponse) unmarshalWire(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("ipcbackend: truncated entryResponse")
	}
	r.Code = int32(binary.LittleEndian.Uint32(data[:4]))
	msg, rest, err := getString(data[4:])
	if err != nil {
		return err
	}
	r.Message = msg
	frames, _, err := getFrames(rest)
	if err != nil {
		return err
	}
	r.Frames = frames
	return nil
}

// handshakeRequest carries the signed load token asserting which trusted
// image path the dialer is authorized to start.
type handshakeRequest struct {
	Token string
}

func (r *handshakeRequest) marshalWire() []byte {
	return putString(nil, r.Token)
}

func (r *handshakeRequest) unmarshalWire(data []byte) error {
	token, _, err := getString(data)
	if err != nil {
		return err
	}
	r.Token = token
	return nil
}

// handshakeResponse reports whether the server accepted the load token.
type handshakeResponse struct {
	OK      bool
	Message string
}

func (r *handshakeResponse) marshalWire() []byte {
	buf := make([]byte, 0, 1+4+len(r.Message))
	if r.OK {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return putString(buf, r.Message)
}

func (r *handshakeResponse) unmarshalWire(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("ipcbackend: truncated handshakeResponse")
	}
	r.OK = data[0] == 1
	msg, _, err := getString(data[1:])
	if err != nil {
		return err
	}
	r.Message = msg
	return nil
}
