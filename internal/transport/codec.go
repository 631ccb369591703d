package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var errEmptyPacket = errors.New("transport: empty packet")

// packet is one decoded frame. sio is zero unless eio is a message.
type packet struct {
	eio  byte
	sio  byte
	data []byte
}

// handshake is the Engine.IO open payload.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

func decodePacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, errEmptyPacket
	}
	p := packet{eio: b[0], data: b[1:]}
	if p.eio != eioMessage {
		return p, nil
	}
	if len(p.data) == 0 {
		return packet{}, fmt.Errorf("transport: message without socket packet type")
	}
	p.sio = p.data[0]
	p.data = skipNamespace(p.data[1:])
	// ack ids precede the payload of events and acks
	if p.sio == sioEvent || p.sio == sioAck {
		i := 0
		for i < len(p.data) && p.data[i] >= '0' && p.data[i] <= '9' {
			i++
		}
		p.data = p.data[i:]
	}
	return p, nil
}

// skipNamespace drops a leading "/nsp," prefix. Only the default namespace is
// used, so the name itself is not kept.
func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return b[i+1:]
	}
	return nil
}

// decodeEvent splits an event payload `["name", arg]` into name and first arg.
// A missing argument is returned as JSON null.
func decodeEvent(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("transport: malformed event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("transport: event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("transport: event name: %w", err)
	}
	if len(parts) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, parts[1], nil
}

func encodeEvent(name string, payload interface{}) ([]byte, error) {
	args := []interface{}{name}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", name, err)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, eioMessage, sioEvent)
	return append(out, body...), nil
}

func encodeConnect() []byte { return []byte{eioMessage, sioConnect} }

func encodeDisconnect() []byte { return []byte{eioMessage, sioDisconnect} }

func encodePong() []byte { return []byte{eioPong} }

// endpointURL turns an http(s) base URL into the websocket endpoint of the
// Engine.IO server.
func endpointURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
