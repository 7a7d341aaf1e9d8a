package smana

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Engine.IO / Socket.IO framing
// ============================================================================

// Engine.IO packet types, one ASCII digit at the head of every frame.
const (
	eioOpen    byte = '0'
	eioClose   byte = '1'
	eioPing    byte = '2'
	eioPong    byte = '3'
	eioMessage byte = '4'
	eioUpgrade byte = '5'
	eioNoop    byte = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioAck          byte = '3'
	sioConnectError byte = '4'
)

// engineOpen is the handshake payload of the Engine.IO open packet.
type engineOpen struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// deadline is how long the client waits for the next server ping before
// treating the channel as dead.
func (o engineOpen) deadline() time.Duration {
	interval, timeout := o.PingInterval, o.PingTimeout
	if interval <= 0 {
		interval = 25000
	}
	if timeout <= 0 {
		timeout = 20000
	}
	return time.Duration(interval+timeout) * time.Millisecond
}

// socketFrame is one decoded text frame.
type socketFrame struct {
	Engine    byte
	Socket    byte
	Namespace string
	AckID     string
	Data      string
}

// decodeSocketFrame parses "<eio>[<sio>[/nsp,][ack]][json]".
func decodeSocketFrame(msg []byte) (socketFrame, error) {
	if len(msg) == 0 {
		return socketFrame{}, errors.New("empty frame")
	}
	f := socketFrame{Engine: msg[0]}
	rest := string(msg[1:])
	if f.Engine != eioMessage {
		f.Data = rest
		return f, nil
	}
	if rest == "" {
		return f, errors.New("message frame without socket packet")
	}
	f.Socket = rest[0]
	rest = rest[1:]

	// binary attachment count, never used by this backend
	if i := strings.IndexByte(rest, '-'); i > 0 && isDigits(rest[:i]) {
		rest = rest[i+1:]
	}
	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			f.Namespace, rest = rest, ""
		} else {
			f.Namespace, rest = rest[:end], rest[end+1:]
		}
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	f.AckID, f.Data = rest[:i], rest[i:]
	return f, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// eventArgs splits an EVENT packet body into its name and first argument.
func eventArgs(data string) (string, json.RawMessage, error) {
	arr := gjson.Parse(data)
	if !arr.IsArray() {
		return "", nil, errors.Errorf("event body is not an array: %.40q", data)
	}
	name := arr.Get("0")
	if name.Type != gjson.String {
		return "", nil, errors.New("event without name")
	}
	payload := arr.Get("1")
	if !payload.Exists() {
		return name.String(), json.RawMessage("null"), nil
	}
	return name.String(), json.RawMessage(payload.Raw), nil
}

func encodeEvent(name string, args ...interface{}) ([]byte, error) {
	body, err := json.Marshal(append([]interface{}{name}, args...))
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", name)
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

func encodeConnect(auth interface{}) ([]byte, error) {
	frame := []byte{eioMessage, sioConnect}
	if auth == nil {
		return frame, nil
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return nil, errors.Wrap(err, "encode connect")
	}
	return append(frame, body...), nil
}

// connectError extracts the message of a CONNECT_ERROR packet.
func connectError(data string) error {
	msg := gjson.Get(data, "message").String()
	if msg == "" {
		msg = strings.Trim(data, `"`)
	}
	return errors.Errorf("server refused connection: %s", msg)
}
