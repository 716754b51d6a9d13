package ecp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	paramPrefix   = "param-"
	statusSuccess = "200"
)

// Request names.
const (
	RequestAuthenticate   = "authenticate"
	RequestSetAudioOutput = "set-audio-output"
	RequestKeyPress       = "key-press"
	RequestLaunch         = "launch"
)

// Request is one outbound command. It encodes as a flat JSON object:
// {"request": Name, "request-id": "<ID>", "param-<k>": "<v>", ...}.
type Request struct {
	Name   string
	ID     int
	Params map[string]string
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(r.Params)+2)
	for k, v := range r.Params {
		m[paramPrefix+k] = v
	}
	m["request"] = r.Name
	m["request-id"] = strconv.Itoa(r.ID)
	return json.Marshal(m)
}

// Message is one inbound object: a response to a request or an unsolicited
// notification such as the authentication challenge.
type Message struct {
	Response   string
	ResponseID string
	Status     string
	StatusMsg  string
	Notify     string
	Params     map[string]string
}

// UnmarshalJSON implements json.Unmarshaler. Non-string values are kept in
// their JSON text form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	*m = Message{Params: make(map[string]string)}
	for k, v := range raw {
		s := rawString(v)
		switch {
		case k == "response":
			m.Response = s
		case k == "response-id":
			m.ResponseID = s
		case k == "status":
			m.Status = s
		case k == "status-msg":
			m.StatusMsg = s
		case k == "notify":
			m.Notify = s
		case strings.HasPrefix(k, paramPrefix):
			m.Params[strings.TrimPrefix(k, paramPrefix)] = s
		}
	}
	return nil
}

func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// IsSuccess reports a "200" status.
func (m Message) IsSuccess() bool {
	return m.Status == statusSuccess
}

// Err returns a *ResponseError for non-success responses.
func (m Message) Err() error {
	if m.IsSuccess() {
		return nil
	}
	return &ResponseError{Request: m.Response, Status: m.Status, Message: m.StatusMsg}
}

// ParseMessage decodes one websocket payload.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrBadMessage) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return m, nil
}

// String renders the message for logs with parameters in stable order.
func (m Message) String() string {
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if m.Notify != "" {
		fmt.Fprintf(&b, "notify=%s", m.Notify)
	} else {
		fmt.Fprintf(&b, "response=%s id=%s status=%s", m.Response, m.ResponseID, m.Status)
	}
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, m.Params[k])
	}
	return b.String()
}

func authenticateRequest(id int, challenge string) Request {
	return Request{
		Name: RequestAuthenticate,
		ID:   id,
		Params: map[string]string{
			"response":                ChallengeResponse(challenge),
			"microphone-sample-rates": "1600",
			"client-friendly-name":    "Wireless Speaker",
			"has-microphone":          "false",
		},
	}
}

// RelayParams describes where and how the device should stream audio.
type RelayParams struct {
	HostIP      string
	RTPPort     uint16
	PayloadType uint8
	ClockRate   uint32
}

// DevName is the "param-devname" value: ip:port:payloadType:clockRate/50.
func (p RelayParams) DevName() string {
	return fmt.Sprintf("%s:%d:%d:%d", p.HostIP, p.RTPPort, p.PayloadType, p.ClockRate/50)
}

func setAudioOutputRequest(id int, p RelayParams) Request {
	return Request{
		Name: RequestSetAudioOutput,
		ID:   id,
		Params: map[string]string{
			"audio-output": "datagram",
			"devname":      p.DevName(),
		},
	}
}

func keyPressRequest(id int, key string) Request {
	return Request{Name: RequestKeyPress, ID: id, Params: map[string]string{"key": key}}
}

func launchRequest(id int, channelID string) Request {
	return Request{Name: RequestLaunch, ID: id, Params: map[string]string{"channel-id": channelID}}
}
