package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// Decoder status codes carried by CodecError. They follow the libopus
// numbering so they read the same in logs from either implementation.
const (
	StatusBadArg         = -1
	StatusBufferTooSmall = -2
	StatusInternalError  = -3
	StatusInvalidPacket  = -4
	StatusUnimplemented  = -5
)

const (
	// concealDecay attenuates each consecutive concealed frame.
	concealDecay = 0.5
	// maxConcealRepeats is how many concealed frames reuse the last
	// decoded audio before falling back to silence.
	maxConcealRepeats = 4

	// maxPacketFrames covers 120 ms of 48 kHz stereo.
	maxPacketFrames = 5760
	opusOutputRate  = 48000
)

// ErrInvalidFrameCount indicates a non-positive concealment request.
var ErrInvalidFrameCount = errors.New("frame count must be positive")

// CodecError reports a payload the codec rejected.
type CodecError struct {
	Status int
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("opus decode failed (status %d): %v", e.Status, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// frameDecoder is the codec surface used by Decoder. *opus.Decoder
// satisfies it.
type frameDecoder interface {
	Decode(in, out []byte) (opus.Bandwidth, bool, error)
}

// Decoder turns Opus payloads into fixed-size PCM blocks and synthesizes
// replacement audio for packets that never arrived.
//
// Codec state carries across packets within a session; Reset discards it.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	format     Format
	newCodec   func() frameDecoder
	codec      frameDecoder
	raw        []byte
	last       PCM
	concealRun int
}

// NewDecoder creates an Opus decoder producing PCM in the given format.
//
// Parameters:
//   - format: Output layout; every decoded block has format.FramesPerPacket() frames
//
// Returns:
//   - *Decoder: The decoder
//   - error: ErrInvalidFormat for unusable formats
func NewDecoder(format Format) (*Decoder, error) {
	return newDecoder(format, func() frameDecoder {
		d := opus.NewDecoder()
		return &d
	})
}

func newDecoder(format Format, newCodec func() frameDecoder) (*Decoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewDecoder",
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
		"frames":      format.FramesPerPacket(),
	}).Info("Creating audio decoder")

	return &Decoder{
		format:   format,
		newCodec: newCodec,
		codec:    newCodec(),
		raw:      make([]byte, maxPacketFrames*2*2),
	}, nil
}

// Format returns the output format.
func (d *Decoder) Format() Format {
	return d.format
}

// Decode decodes one packet payload.
//
// Parameters:
//   - payload: One Opus packet, TOC byte first
//
// Returns:
//   - PCM: Exactly FramesPerPacket frames in the decoder's format
//   - error: *CodecError when the codec rejects the payload
func (d *Decoder) Decode(payload []byte) (PCM, error) {
	if len(payload) == 0 {
		return PCM{}, &CodecError{Status: StatusBadArg, Err: errors.New("empty payload")}
	}

	toc, err := parseTOC(payload)
	if err != nil {
		return PCM{}, &CodecError{Status: StatusInvalidPacket, Err: err}
	}
	if !toc.silkOnly() {
		return PCM{}, &CodecError{
			Status: StatusUnimplemented,
			Err:    fmt.Errorf("configuration %d is not SILK-only", toc.config),
		}
	}

	_, stereo, err := d.codec.Decode(payload, d.raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Decoder.Decode",
			"payload_size": len(payload),
			"error":        err.Error(),
		}).Debug("Opus decode failed")
		return PCM{}, &CodecError{Status: StatusInvalidPacket, Err: err}
	}

	channels := 1
	if stereo {
		channels = 2
	}
	produced := toc.frameCount * int(int64(opusOutputRate)*int64(toc.duration)/int64(time.Second))
	if produced > maxPacketFrames {
		produced = maxPacketFrames
	}
	if produced*channels*2 > len(d.raw) {
		produced = len(d.raw) / (channels * 2)
	}

	pcm := d.fit(d.raw[:produced*channels*2], channels)
	d.last = pcm.Clone()
	d.concealRun = 0
	return pcm, nil
}

// fit converts little-endian s16 codec output into the fixed output layout:
// channels are mapped by duplication or averaging and the block is truncated
// or zero padded to one packet.
func (d *Decoder) fit(raw []byte, srcChannels int) PCM {
	frames := d.format.FramesPerPacket()
	out := NewSilence(frames, d.format)

	srcFrames := len(raw) / (2 * srcChannels)
	if srcFrames != frames {
		logrus.WithFields(logrus.Fields{
			"function":        "Decoder.fit",
			"produced_frames": srcFrames,
			"expected_frames": frames,
		}).Debug("Codec frame count differs from packet size")
	}

	sample := func(frame, ch int) int16 {
		i := (frame*srcChannels + ch) * 2
		return int16(uint16(raw[i]) | uint16(raw[i+1])<<8)
	}

	n := frames
	if srcFrames < n {
		n = srcFrames
	}
	for f := 0; f < n; f++ {
		for ch := 0; ch < d.format.Channels; ch++ {
			var v int16
			switch {
			case ch < srcChannels:
				v = sample(f, ch)
			case srcChannels == 1:
				v = sample(f, 0)
			default:
				v = sample(f, srcChannels-1)
			}
			if d.format.Channels == 1 && srcChannels == 2 {
				v = int16((int32(sample(f, 0)) + int32(sample(f, 1))) / 2)
			}
			out.Samples[f*d.format.Channels+ch] = v
		}
	}
	return out
}

// DecodeLossConcealment synthesizes frames of audio to stand in for a
// missing packet. The last decoded block is repeated with decreasing level;
// after a few consecutive losses, or before any audio was decoded, the
// output is silence. It fails only for non-positive frame counts.
func (d *Decoder) DecodeLossConcealment(frames int) (PCM, error) {
	if frames <= 0 {
		return PCM{}, fmt.Errorf("%w: %d", ErrInvalidFrameCount, frames)
	}

	out := NewSilence(frames, d.format)
	d.concealRun++

	if d.last.Frames() == 0 || d.concealRun > maxConcealRepeats {
		return out, nil
	}

	for i := range out.Samples {
		out.Samples[i] = d.last.Samples[i%len(d.last.Samples)]
	}
	factor := 1.0
	for i := 0; i < d.concealRun; i++ {
		factor *= concealDecay
	}
	scaleSamples(out.Samples, factor)

	logrus.WithFields(logrus.Fields{
		"function":    "Decoder.DecodeLossConcealment",
		"frames":      frames,
		"conceal_run": d.concealRun,
		"attenuation": factor,
	}).Trace("Concealed missing packet")
	return out, nil
}

// Reset discards codec prediction state and concealment history.
func (d *Decoder) Reset() {
	d.codec = d.newCodec()
	d.last = PCM{}
	d.concealRun = 0

	logrus.WithFields(logrus.Fields{
		"function": "Decoder.Reset",
	}).Info("Audio decoder reset")
}

// toc is the parsed Opus table-of-contents byte.
type toc struct {
	config     uint8
	stereo     bool
	frameCount int
	duration   time.Duration
}

var silkDurations = [4]time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	60 * time.Millisecond,
}

// silkOnly reports whether the packet uses a SILK-only configuration,
// the only mode the pure Go codec decodes.
func (t toc) silkOnly() bool {
	return t.config < 12
}

func parseTOC(payload []byte) (toc, error) {
	b := payload[0]
	t := toc{
		config: b >> 3,
		stereo: b&0x04 != 0,
	}
	if t.silkOnly() {
		t.duration = silkDurations[t.config%4]
	}

	switch b & 0x03 {
	case 0:
		t.frameCount = 1
	case 1, 2:
		t.frameCount = 2
	case 3:
		if len(payload) < 2 {
			return t, errors.New("code 3 packet missing frame count byte")
		}
		t.frameCount = int(payload[1] & 0x3F)
		if t.frameCount == 0 {
			return t, errors.New("code 3 packet with zero frames")
		}
	}
	return t, nil
}
