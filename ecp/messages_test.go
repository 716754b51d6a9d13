package ecp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFlat(t *testing.T, r Request) map[string]string {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRequestEncoding(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want map[string]string
	}{
		{
			name: "key press",
			req:  keyPressRequest(3, "Home"),
			want: map[string]string{"request": "key-press", "request-id": "3", "param-key": "Home"},
		},
		{
			name: "launch",
			req:  launchRequest(0, "12"),
			want: map[string]string{"request": "launch", "request-id": "0", "param-channel-id": "12"},
		},
		{
			name: "set audio output",
			req: setAudioOutputRequest(7, RelayParams{
				HostIP: "192.168.1.5", RTPPort: 6970, PayloadType: 97, ClockRate: 48000,
			}),
			want: map[string]string{
				"request":            "set-audio-output",
				"request-id":         "7",
				"param-audio-output": "datagram",
				"param-devname":      "192.168.1.5:6970:97:960",
			},
		},
		{
			name: "authenticate",
			req:  authenticateRequest(0, "ABCDEF01"),
			want: map[string]string{
				"request":                       "authenticate",
				"request-id":                    "0",
				"param-response":                "aP3qZLIKSyolWnzRMgqxDb5V7YI=",
				"param-microphone-sample-rates": "1600",
				"param-client-friendly-name":    "Wireless Speaker",
				"param-has-microphone":          "false",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeFlat(t, tt.req))
		})
	}
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"response":"key-press","response-id":"3","status":"200","param-count":4}`))
	require.NoError(t, err)
	assert.Equal(t, "key-press", msg.Response)
	assert.Equal(t, "3", msg.ResponseID)
	assert.True(t, msg.IsSuccess())
	assert.NoError(t, msg.Err())
	assert.Equal(t, "4", msg.Params["count"])

	challenge, err := ParseMessage([]byte(`{"notify":"authenticate","param-challenge":"xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, "authenticate", challenge.Notify)
	assert.Equal(t, "xyz", challenge.Params["challenge"])
	assert.Contains(t, challenge.String(), `challenge="xyz"`)
}

func TestParseMessageRejected(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"response":"launch","response-id":"1","status":"401","status-msg":"nope"}`))
	require.NoError(t, err)
	assert.False(t, msg.IsSuccess())

	var re *ResponseError
	require.True(t, errors.As(msg.Err(), &re))
	assert.Equal(t, "launch", re.Request)
	assert.Equal(t, "401", re.Status)
	assert.Contains(t, re.Error(), "nope")
}

func TestParseMessageMalformed(t *testing.T) {
	for _, in := range []string{`[1,2]`, `not json`, `"text"`, ``} {
		_, err := ParseMessage([]byte(in))
		assert.ErrorIs(t, err, ErrBadMessage, "input %q", in)
	}
}
