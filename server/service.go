package server

import (
	"context"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nats-rpc/codec"
	"nats-rpc/message"
	"nats-rpc/middleware"
	"nats-rpc/protocol"
)

var (
	ErrInvalidMethod   = errors.New("rpc: invalid service method format")
	ErrUnknownService  = errors.New("rpc: unknown service")
	ErrUnknownMethod   = errors.New("rpc: unknown method")
	ErrInvalidReceiver = errors.New("rpc: invalid receiver")
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Wrapf(ErrInvalidReceiver, "rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Wrapf(ErrInvalidReceiver, "rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, errors.Wrapf(ErrInvalidReceiver, "%s has no method of the form func(*Args, *Reply) error", name)
	}
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的:
// 3 个入参 (receiver, *Args, *Reply)，返回 error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// call 通过反射调用方法
func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// ServiceProcessor is a Processor that decodes an RPCMessage envelope, runs it
// through the middleware chain to the registered receiver method named by
// ServiceMethod, and encodes the response envelope.
//
// Errors returned by the method or the chain travel back in RPCMessage.Error.
// An undecodable envelope produces no response. Oneway calls produce no
// response either.
type ServiceProcessor struct {
	envelope codec.Codec
	payload  codec.Codec
	logger   *zap.Logger

	mu          sync.RWMutex
	services    map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // rebuilt on Use
}

type ProcessorOption func(*ServiceProcessor)

// WithEnvelopeCodec sets how the RPCMessage itself is encoded. Default JSON.
func WithEnvelopeCodec(c codec.Codec) ProcessorOption {
	return func(p *ServiceProcessor) { p.envelope = c }
}

// WithPayloadCodec sets how args and replies are encoded. Default JSON.
func WithPayloadCodec(c codec.Codec) ProcessorOption {
	return func(p *ServiceProcessor) { p.payload = c }
}

func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *ServiceProcessor) { p.logger = logger }
}

func NewServiceProcessor(opts ...ProcessorOption) *ServiceProcessor {
	p := &ServiceProcessor{
		envelope: &codec.JSONCodec{},
		payload:  &codec.JSONCodec{},
		logger:   zap.NewNop(),
		services: make(map[string]*service),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handler = p.dispatch
	return p
}

// Register registers a service receiver (e.g., &Arith{}) under its type name.
// Its exported methods of the form func(*Args, *Reply) error become callable.
func (p *ServiceProcessor) Register(rcvr any) error {
	return p.RegisterName("", rcvr)
}

// RegisterName is Register under an explicit service name.
func (p *ServiceProcessor) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[svc.name] = svc
	p.logger.Info("registered service", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Use appends mw to the chain. Middlewares run in the order they are added.
func (p *ServiceProcessor) Use(mw ...middleware.Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middlewares = append(p.middlewares, mw...)
	p.handler = middleware.Chain(p.middlewares...)(p.dispatch)
}

func (p *ServiceProcessor) Process(ctx context.Context, call *Call, out io.Writer) error {
	var req message.RPCMessage
	if err := p.envelope.Decode(call.Body, &req); err != nil {
		return errors.Wrapf(protocol.ErrDecode, "envelope: %v", err)
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()

	resp, err := handler(ctx, &req)
	if req.Oneway {
		if err != nil {
			p.logger.Warn("oneway call failed", zap.String("method", req.ServiceMethod), zap.Error(err))
		}
		return nil
	}
	if err != nil {
		resp = req.Reply(nil, err)
	} else if resp == nil {
		resp = req.Reply(nil, nil)
	}

	data, err := p.envelope.Encode(resp)
	if err != nil {
		return errors.Wrap(err, "encode response envelope")
	}
	_, err = out.Write(data)
	return err
}

// dispatch is the innermost handler: parse "Service.Method" → find service →
// find method → decode args → call → encode reply.
func (p *ServiceProcessor) dispatch(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		return nil, errors.Wrapf(ErrInvalidMethod, "%q", req.ServiceMethod)
	}

	p.mu.RLock()
	svc := p.services[serviceName]
	p.mu.RUnlock()
	if svc == nil {
		return nil, errors.Wrapf(ErrUnknownService, "%q", serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return nil, errors.Wrapf(ErrUnknownMethod, "%q", req.ServiceMethod)
	}

	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply
	if err := p.payload.Decode(req.Payload, argv.Interface()); err != nil {
		return nil, errors.Wrap(err, "decode args")
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return nil, err
	}

	payload, err := p.payload.Encode(replyv.Interface())
	if err != nil {
		return nil, errors.Wrap(err, "encode reply")
	}
	return req.Reply(payload, nil), nil
}
