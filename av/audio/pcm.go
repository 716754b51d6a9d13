package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFormat indicates a format with a non-positive rate, channel
// count or frame duration.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes the fixed PCM layout produced for every packet.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultFormat is 48 kHz stereo in 10 ms packets.
var DefaultFormat = Format{
	SampleRate:    48000,
	Channels:      2,
	FrameDuration: 10 * time.Millisecond,
}

// Validate checks the format for usable values.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.FrameDuration <= 0 {
		return fmt.Errorf("%w: rate=%d channels=%d duration=%s",
			ErrInvalidFormat, f.SampleRate, f.Channels, f.FrameDuration)
	}
	if f.FramesPerPacket() == 0 {
		return fmt.Errorf("%w: duration %s is shorter than one sample", ErrInvalidFormat, f.FrameDuration)
	}
	return nil
}

// FramesPerPacket returns the number of sample frames in one packet.
func (f Format) FramesPerPacket() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// PacketsPerSecond returns the packet rate implied by the frame duration.
func (f Format) PacketsPerSecond() int {
	return int(time.Second / f.FrameDuration)
}

// PCM is a block of interleaved signed 16-bit samples.
type PCM struct {
	Samples    []int16
	Channels   int
	SampleRate int
}

// NewSilence returns frames of zeroed samples.
func NewSilence(frames int, f Format) PCM {
	return PCM{
		Samples:    make([]int16, frames*f.Channels),
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
	}
}

// Frames returns the number of sample frames.
func (p PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playback length of the block.
func (p PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Clone returns a deep copy.
func (p PCM) Clone() PCM {
	c := p
	c.Samples = append([]int16(nil), p.Samples...)
	return c
}

// Bytes encodes the samples as little-endian s16.
func (p PCM) Bytes() []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// IsSilent reports whether every sample is zero.
func (p PCM) IsSilent() bool {
	for _, s := range p.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}
