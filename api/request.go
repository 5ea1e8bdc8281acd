package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/wire"
)

// https://kafka.apache.org/protocol
// https://kafka.apache.org/documentation/#messageformat

// Request is marshaled with the v1 request header followed by the body.
type Request struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string `wire:"nullable"`
	Body          interface{}
}

// Bytes returns the length prefixed request frame.
func (r *Request) Bytes() ([]byte, error) {
	tmp := new(bytes.Buffer)
	if err := wire.Write(tmp, reflect.ValueOf(r)); err != nil {
		return nil, fmt.Errorf("error marshaling %s request: %w", KeyName(r.ApiKey), err)
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(tmp.Len()))
	tmp.WriteTo(buf)
	return buf.Bytes(), nil
}

// RequestHeader is the server side view of a request frame.
type RequestHeader struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string `wire:"nullable"`
}

// IncomingRequest is a request frame read by a server: the parsed header and
// the raw body.
type IncomingRequest struct {
	Header RequestHeader
	body   []byte
}

// ReadRequest reads one length prefixed request frame. Used by test brokers.
func ReadRequest(r io.Reader) (*IncomingRequest, error) {
	b, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(b)
	req := &IncomingRequest{}
	if err := wire.Read(br, reflect.ValueOf(&req.Header)); err != nil {
		return nil, fmt.Errorf("error reading request header: %w", err)
	}
	req.body = b[len(b)-br.Len():]
	return req, nil
}

// Unmarshal reads the request body into v.
func (r *IncomingRequest) Unmarshal(v interface{}) error {
	return wire.Read(bytes.NewReader(r.body), reflect.ValueOf(v))
}

// ResponseBytes returns the length prefixed response frame for body.
func ResponseBytes(correlationId int32, body interface{}) ([]byte, error) {
	tmp := new(bytes.Buffer)
	binary.Write(tmp, binary.BigEndian, correlationId)
	if err := wire.Write(tmp, reflect.ValueOf(body)); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(tmp.Len()))
	tmp.WriteTo(buf)
	return buf.Bytes(), nil
}

// readFrame reads a length prefix and the frame body. Zero, negative, and
// oversized lengths are codec errors.
func readFrame(r io.Reader) ([]byte, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("error reading frame size: %w", err)
	}
	if size <= 0 || size > kcli.MaxFrameBytes {
		return nil, fmt.Errorf("%w: invalid frame size %d", kcli.ErrCodec, size)
	}
	b := make([]byte, int(size))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("error reading frame body: %w", err)
	}
	return b, nil
}
