package ecp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLookupTimeout bounds a device-info request.
const DefaultLookupTimeout = 3 * time.Second

const maxDeviceInfoBody = 1 << 20

// DeviceInfo is what the relay needs to know about a device's audio
// capabilities.
type DeviceInfo struct {
	// SupportsDatagram reports whether the device can stream audio to a
	// datagram destination.
	SupportsDatagram bool
	// RTCPPort is the device's control port, or 0 when not advertised.
	RTCPPort uint16
	// Destinations is the raw all-destinations capability list.
	Destinations []string
	Muted        bool
	Volume       uint8
}

// DeviceInfoLookup resolves device audio capabilities.
type DeviceInfoLookup interface {
	Lookup(ctx context.Context, location Location) (DeviceInfo, error)
}

type audioDeviceDoc struct {
	XMLName      xml.Name `xml:"audio-device"`
	Capabilities struct {
		AllDestinations string `xml:"all-destinations"`
	} `xml:"capabilities"`
	Global struct {
		Muted           bool   `xml:"muted"`
		Volume          uint8  `xml:"volume"`
		DestinationList string `xml:"destination-list"`
	} `xml:"global"`
	RTPInfo *struct {
		RTCPPort *uint16 `xml:"rtcp-port"`
	} `xml:"rtp-info"`
}

// HTTPDeviceInfo queries <location>/query/audio-device.
type HTTPDeviceInfo struct {
	Client *http.Client
}

// NewHTTPDeviceInfo returns a lookup with a bounded client timeout.
func NewHTTPDeviceInfo() *HTTPDeviceInfo {
	return &HTTPDeviceInfo{Client: &http.Client{Timeout: DefaultLookupTimeout}}
}

// Lookup fetches and parses the audio-device document.
func (h *HTTPDeviceInfo) Lookup(ctx context.Context, location Location) (DeviceInfo, error) {
	target := location.Resolve("query/audio-device")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HTTPDeviceInfo.Lookup",
			"url":      target,
			"error":    err.Error(),
		}).Warn("Device info request failed")
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DeviceInfo{}, fmt.Errorf("device info: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDeviceInfoBody))
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("read device info: %w", err)
	}
	info, err := ParseAudioDevice(body)
	if err != nil {
		return DeviceInfo{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":          "HTTPDeviceInfo.Lookup",
		"url":               target,
		"supports_datagram": info.SupportsDatagram,
		"rtcp_port":         info.RTCPPort,
	}).Debug("Device info retrieved")
	return info, nil
}

// ParseAudioDevice decodes an audio-device XML document.
func ParseAudioDevice(data []byte) (DeviceInfo, error) {
	var doc audioDeviceDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return DeviceInfo{}, fmt.Errorf("parse audio-device: %w", err)
	}

	info := DeviceInfo{
		Muted:  doc.Global.Muted,
		Volume: doc.Global.Volume,
	}
	for _, d := range strings.FieldsFunc(doc.Capabilities.AllDestinations, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	}) {
		info.Destinations = append(info.Destinations, d)
	}
	info.SupportsDatagram = strings.Contains(doc.Capabilities.AllDestinations, "datagram")
	if doc.RTPInfo != nil && doc.RTPInfo.RTCPPort != nil {
		info.RTCPPort = *doc.RTPInfo.RTCPPort
	}
	return info, nil
}
