package server

import (
	"context"
	"io"
)

// Call is one inbound request as handed to a Processor.
type Call struct {
	// Headers are the request headers, including the reserved _cid and _opid.
	Headers map[string]string
	// Body is the request body after the header block.
	Body []byte
	// ResponseHeaders are sent back in the response header block.
	ResponseHeaders map[string]string
}

// Processor turns a request body into a response body. Writing nothing means no
// response is sent. A returned error means the request could not be processed at
// all; it is logged and the request dropped. Application errors belong in the
// response body.
type Processor interface {
	Process(ctx context.Context, call *Call, out io.Writer) error
}

type ProcessorFunc func(ctx context.Context, call *Call, out io.Writer) error

func (f ProcessorFunc) Process(ctx context.Context, call *Call, out io.Writer) error {
	return f(ctx, call, out)
}
