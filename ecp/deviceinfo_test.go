package ecp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioDeviceXML = `<?xml version="1.0" encoding="UTF-8" ?>
<audio-device>
	<capabilities>
		<all-destinations>hdmi,datagram,spdif</all-destinations>
	</capabilities>
	<global>
		<muted>true</muted>
		<volume>35</volume>
		<destination-list>hdmi</destination-list>
	</global>
	<rtp-info>
		<rtcp-port>5151</rtcp-port>
	</rtp-info>
</audio-device>`

func TestParseAudioDevice(t *testing.T) {
	info, err := ParseAudioDevice([]byte(audioDeviceXML))
	require.NoError(t, err)
	assert.True(t, info.SupportsDatagram)
	assert.Equal(t, uint16(5151), info.RTCPPort)
	assert.Equal(t, []string{"hdmi", "datagram", "spdif"}, info.Destinations)
	assert.True(t, info.Muted)
	assert.Equal(t, uint8(35), info.Volume)
}

func TestParseAudioDeviceWithoutRelay(t *testing.T) {
	info, err := ParseAudioDevice([]byte(`<audio-device><capabilities><all-destinations>hdmi</all-destinations></capabilities></audio-device>`))
	require.NoError(t, err)
	assert.False(t, info.SupportsDatagram)
	assert.Zero(t, info.RTCPPort)
}

func TestParseAudioDeviceMalformed(t *testing.T) {
	_, err := ParseAudioDevice([]byte(`<device-info></device-info>`))
	assert.Error(t, err)
	_, err = ParseAudioDevice([]byte(`<audio-device>`))
	assert.Error(t, err)
}

func TestHTTPDeviceInfoLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query/audio-device" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(audioDeviceXML))
	}))
	defer srv.Close()

	loc, err := ParseLocation(srv.URL)
	require.NoError(t, err)

	info, err := NewHTTPDeviceInfo().Lookup(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, uint16(5151), info.RTCPPort)
	assert.True(t, info.SupportsDatagram)
}

func TestHTTPDeviceInfoLookupErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	loc, err := ParseLocation(srv.URL)
	require.NoError(t, err)

	_, err = NewHTTPDeviceInfo().Lookup(context.Background(), loc)
	assert.ErrorContains(t, err, "503")

	srv.Close()
	_, err = (&HTTPDeviceInfo{}).Lookup(context.Background(), loc)
	assert.ErrorIs(t, err, ErrConnectFailed)
}
