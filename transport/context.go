package transport

import (
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader carries the user-visible correlation id.
	CorrelationIDHeader = "_cid"
	// OperationIDHeader carries the operation id the Registry correlates on.
	// It is never settable by callers.
	OperationIDHeader = "_opid"

	DefaultTimeout = 60 * time.Second
)

// operationIDs is the process-wide source of operation ids. Ids are never reused.
var operationIDs atomic.Uint64

func nextOperationID() uint64 {
	return operationIDs.Add(1)
}

// Context carries the identity and metadata of one call: correlation id,
// request/response headers and timeout. The operation id is assigned by the
// Registry each time the Context is registered for a request.
//
// A Context may be reused for sequential requests but never for two concurrent
// ones. Context is not safe for concurrent use.
type Context struct {
	opID            uint64
	requestHeaders  map[string]string
	responseHeaders map[string]string
	timeout         time.Duration
}

// NewContext returns a Context with a random correlation id.
func NewContext() *Context {
	return NewContextWithCorrelationID("")
}

// NewContextWithCorrelationID returns a Context with the given correlation id.
// An empty id gets a random 128-bit id, hex encoded without separators.
func NewContextWithCorrelationID(cid string) *Context {
	if cid == "" {
		cid = generateCorrelationID()
	}
	return &Context{
		requestHeaders:  map[string]string{CorrelationIDHeader: cid},
		responseHeaders: make(map[string]string),
		timeout:         DefaultTimeout,
	}
}

func generateCorrelationID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// CorrelationID returns the correlation id fixed at construction.
func (c *Context) CorrelationID() string {
	return c.requestHeaders[CorrelationIDHeader]
}

// OperationID returns the id assigned at the last registration, 0 if never registered.
func (c *Context) OperationID() uint64 {
	return c.opID
}

// AddRequestHeader sets a request header. Writes to the reserved correlation and
// operation id keys are ignored.
func (c *Context) AddRequestHeader(key, value string) {
	if key == CorrelationIDHeader || key == OperationIDHeader {
		return
	}
	c.requestHeaders[key] = value
}

// RequestHeader returns the request header for key.
func (c *Context) RequestHeader(key string) (string, bool) {
	if key == OperationIDHeader {
		return c.opIDHeader()
	}
	v, ok := c.requestHeaders[key]
	return v, ok
}

// RequestHeaders returns a copy of the request headers, including the reserved ones.
func (c *Context) RequestHeaders() map[string]string {
	headers := copyHeaders(c.requestHeaders)
	if v, ok := c.opIDHeader(); ok {
		headers[OperationIDHeader] = v
	}
	return headers
}

// AddResponseHeader sets a response header. Writes to the operation id key are ignored.
func (c *Context) AddResponseHeader(key, value string) {
	if key == OperationIDHeader {
		return
	}
	c.responseHeaders[key] = value
}

// ResponseHeader returns the response header for key.
func (c *Context) ResponseHeader(key string) (string, bool) {
	v, ok := c.responseHeaders[key]
	return v, ok
}

// ResponseHeaders returns a copy of the headers of the last response.
func (c *Context) ResponseHeaders() map[string]string {
	return copyHeaders(c.responseHeaders)
}

// Timeout returns how long Request waits for a response.
func (c *Context) Timeout() time.Duration {
	return c.timeout
}

// SetTimeout sets how long Request waits for a response. d <= 0 restores DefaultTimeout.
func (c *Context) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout = d
}

// Clone returns a Context with the same correlation id, timeout and copies of
// both header maps, and a fresh operation id.
func (c *Context) Clone() *Context {
	return &Context{
		opID:            nextOperationID(),
		requestHeaders:  copyHeaders(c.requestHeaders),
		responseHeaders: copyHeaders(c.responseHeaders),
		timeout:         c.timeout,
	}
}

// wireHeaders returns the headers sent with a request. The operation id is only
// included for two-way requests.
func (c *Context) wireHeaders(withOpID bool) map[string]string {
	headers := copyHeaders(c.requestHeaders)
	if withOpID {
		headers[OperationIDHeader] = strconv.FormatUint(c.opID, 10)
	}
	return headers
}

// setResponseHeaders replaces the response headers with those of a received frame.
func (c *Context) setResponseHeaders(headers map[string]string) {
	c.responseHeaders = make(map[string]string, len(headers))
	for k, v := range headers {
		if k == OperationIDHeader {
			continue
		}
		c.responseHeaders[k] = v
	}
}

func (c *Context) opIDHeader() (string, bool) {
	if c.opID == 0 {
		return "", false
	}
	return strconv.FormatUint(c.opID, 10), true
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
