package bustransport

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"nats-rpc/protocol"
)

// DisconnectSignal, as the reply-to of a message on a peer's write subject,
// tells the peer the connection is over.
const DisconnectSignal = "DISCONNECT"

// HandshakeVersion is the only connect request version understood.
const HandshakeVersion = 0

// Handshake is the connect request a stateful client sends to the server's
// connect subject.
type Handshake struct {
	Version int    `json:"version"`
	Listen  string `json:"listen"` // subject the client receives data on
}

func (h Handshake) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// ParseHandshake decodes and validates a connect request.
func ParseHandshake(data []byte) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return h, errors.Wrapf(protocol.ErrDecode, "handshake: %v", err)
	}
	if h.Version != HandshakeVersion {
		return h, errors.Wrapf(protocol.ErrProtocolViolation, "handshake version %d", h.Version)
	}
	if h.Listen == "" {
		return h, errors.Wrap(protocol.ErrProtocolViolation, "handshake without listen subject")
	}
	return h, nil
}

// Heartbeat is the heartbeat setup a server returns in its handshake reply.
// A zero Interval disables heartbeats.
type Heartbeat struct {
	Listen   string // subject the client receives pings on
	Reply    string // subject the client answers pings on
	Interval time.Duration
}

// Marshal renders "<listen> <reply> <intervalMs>".
func (h Heartbeat) Marshal() []byte {
	return []byte(h.Listen + " " + h.Reply + " " + strconv.FormatInt(h.Interval.Milliseconds(), 10))
}

func ParseHeartbeat(data []byte) (Heartbeat, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return Heartbeat{}, errors.Wrapf(protocol.ErrDecode, "heartbeat setup %q", data)
	}
	ms, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || ms < 0 {
		return Heartbeat{}, errors.Wrapf(protocol.ErrDecode, "heartbeat interval %q", fields[2])
	}
	return Heartbeat{Listen: fields[0], Reply: fields[1], Interval: time.Duration(ms) * time.Millisecond}, nil
}
