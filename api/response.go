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

// Read reads one response frame. Errors reading the size or the body are
// returned as is (the caller classifies them as network errors), frame
// validation errors wrap kcli.ErrCodec.
func Read(r io.Reader) (*Response, error) {
	b, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: response frame of %d bytes has no correlation id", kcli.ErrCodec, len(b))
	}
	return &Response{body: b}, nil
}

type Response struct {
	body []byte
}

func (r *Response) CorrelationId() int32 {
	return int32(binary.BigEndian.Uint32(r.body))
}

func (r *Response) Unmarshal(v interface{}) error {
	// [4:] skips bytes used for correlation id
	return wire.Read(bytes.NewReader(r.body[4:]), reflect.ValueOf(v))
}

func (r *Response) Bytes() []byte {
	// [4:] skips bytes used for correlation id
	return r.body[4:]
}
