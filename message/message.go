// Package message defines the RPC envelope exchanged between the client stub and
// the service processor.
//
// RPCMessage is what the request processor reads from and writes to the body of a
// frame. How it is laid out on the wire is up to the envelope codec; the transport
// only ever sees bytes.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args.
//     Oneway marks a call that expects no response.
//   - On response: Payload contains the serialized reply, Error is non-empty if the
//     handler returned an error.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string
	Payload       []byte
	Oneway        bool
}

// Failed reports whether the message carries an application error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}

// Reply builds the response envelope for m.
func (m *RPCMessage) Reply(payload []byte, err error) *RPCMessage {
	resp := &RPCMessage{
		ServiceMethod: m.ServiceMethod,
		Payload:       payload,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
