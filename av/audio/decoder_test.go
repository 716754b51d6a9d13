package audio

import (
	"errors"
	"testing"

	"github.com/pion/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCodec writes a ramp of mono or stereo samples.
type fakeCodec struct {
	stereo bool
	frames int
	err    error
	calls  int
}

func (f *fakeCodec) Decode(in, out []byte) (opus.Bandwidth, bool, error) {
	f.calls++
	if f.err != nil {
		return 0, false, f.err
	}
	channels := 1
	if f.stereo {
		channels = 2
	}
	for i := 0; i < f.frames*channels; i++ {
		v := uint16(int16(i + 1))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return opus.BandwidthWideband, f.stereo, nil
}

func newFakeDecoder(t *testing.T, codec *fakeCodec) *Decoder {
	t.Helper()
	d, err := newDecoder(DefaultFormat, func() frameDecoder { return codec })
	require.NoError(t, err)
	return d
}

func TestDecoder_DecodeFitsPacketSize(t *testing.T) {
	tests := []struct {
		name      string
		toc       byte
		stereo    bool
		frames    int
		wantFirst []int16
	}{
		{"Mono 10ms upmixed", 0x00, false, 480, []int16{1, 1, 2, 2}},
		{"Stereo 10ms", 0x04, true, 480, []int16{1, 2, 3, 4}},
		{"Mono 20ms truncated", 0x08, false, 960, []int16{1, 1, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDecoder(t, &fakeCodec{stereo: tt.stereo, frames: tt.frames})
			pcm, err := d.Decode([]byte{tt.toc, 0xAA})
			require.NoError(t, err)
			assert.Equal(t, 480, pcm.Frames())
			assert.Equal(t, 2, pcm.Channels)
			assert.Equal(t, 48000, pcm.SampleRate)
			assert.Equal(t, tt.wantFirst, pcm.Samples[:4])
		})
	}
}

func TestDecoder_CodecErrors(t *testing.T) {
	opusDec, err := NewDecoder(DefaultFormat)
	require.NoError(t, err)

	tests := []struct {
		name    string
		dec     *Decoder
		payload []byte
		status  int
	}{
		{"Empty payload", opusDec, nil, StatusBadArg},
		{"CELT configuration", opusDec, []byte{0xF8, 0x00}, StatusUnimplemented},
		{"Code 3 without count", opusDec, []byte{0x03}, StatusInvalidPacket},
		{"Codec rejects", newFakeDecoder(t, &fakeCodec{err: errors.New("bad frame")}), []byte{0x00, 0x01}, StatusInvalidPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.dec.Decode(tt.payload)
			var ce *CodecError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.status, ce.Status)
		})
	}
}

func TestDecoder_LossConcealment(t *testing.T) {
	t.Run("Silence before any audio", func(t *testing.T) {
		d := newFakeDecoder(t, &fakeCodec{frames: 480})
		pcm, err := d.DecodeLossConcealment(480)
		require.NoError(t, err)
		assert.Equal(t, 480, pcm.Frames())
		assert.True(t, pcm.IsSilent())
	})

	t.Run("Attenuated repeat then silence", func(t *testing.T) {
		d := newFakeDecoder(t, &fakeCodec{frames: 480})
		_, err := d.Decode([]byte{0x00, 0x01})
		require.NoError(t, err)

		first, err := d.DecodeLossConcealment(480)
		require.NoError(t, err)
		// Sample 400 of the mono ramp, duplicated, halved.
		assert.Equal(t, int16(200), first.Samples[798])

		second, err := d.DecodeLossConcealment(480)
		require.NoError(t, err)
		assert.Equal(t, int16(100), second.Samples[798])

		for i := 0; i < maxConcealRepeats; i++ {
			_, err = d.DecodeLossConcealment(480)
			require.NoError(t, err)
		}
		last, err := d.DecodeLossConcealment(480)
		require.NoError(t, err)
		assert.True(t, last.IsSilent())
	})

	t.Run("Always the requested size", func(t *testing.T) {
		d := newFakeDecoder(t, &fakeCodec{frames: 480})
		_, err := d.Decode([]byte{0x00})
		require.NoError(t, err)
		for _, frames := range []int{1, 240, 480, 960, 5000} {
			pcm, err := d.DecodeLossConcealment(frames)
			require.NoError(t, err)
			assert.Equal(t, frames, pcm.Frames())
		}
	})

	t.Run("Invalid counts", func(t *testing.T) {
		d := newFakeDecoder(t, &fakeCodec{frames: 480})
		_, err := d.DecodeLossConcealment(0)
		assert.ErrorIs(t, err, ErrInvalidFrameCount)
		_, err = d.DecodeLossConcealment(-3)
		assert.ErrorIs(t, err, ErrInvalidFrameCount)
	})

	t.Run("Decode resets the run", func(t *testing.T) {
		d := newFakeDecoder(t, &fakeCodec{frames: 480})
		_, err := d.Decode([]byte{0x00})
		require.NoError(t, err)
		_, _ = d.DecodeLossConcealment(480)
		_, _ = d.DecodeLossConcealment(480)
		_, err = d.Decode([]byte{0x00})
		require.NoError(t, err)
		pcm, err := d.DecodeLossConcealment(480)
		require.NoError(t, err)
		assert.Equal(t, int16(200), pcm.Samples[798])
	})
}

func TestDecoder_Reset(t *testing.T) {
	created := 0
	d, err := newDecoder(DefaultFormat, func() frameDecoder {
		created++
		return &fakeCodec{frames: 480}
	})
	require.NoError(t, err)

	_, err = d.Decode([]byte{0x00})
	require.NoError(t, err)
	d.Reset()
	assert.Equal(t, 2, created)

	pcm, err := d.DecodeLossConcealment(480)
	require.NoError(t, err)
	assert.True(t, pcm.IsSilent())
}

func TestNewDecoder_InvalidFormat(t *testing.T) {
	_, err := NewDecoder(Format{SampleRate: 48000, Channels: 0, FrameDuration: DefaultFormat.FrameDuration})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}
