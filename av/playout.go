package av

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/opd-ai/ecprelay/av/rtp"
	"github.com/sirupsen/logrus"
)

// PacketDecoder turns payloads into PCM. *audio.Decoder implements it.
type PacketDecoder interface {
	Decode(payload []byte) (audio.PCM, error)
	DecodeLossConcealment(frames int) (audio.PCM, error)
	Reset()
}

// PlayoutConfig configures a Playout.
type PlayoutConfig struct {
	// Format is the fixed packet layout. FrameDuration sets the packet rate.
	Format audio.Format
	// BufferDelay is how far playback trails the newest expected packet.
	BufferDelay time.Duration
	// Gain is an optional volume stage applied to every frame.
	Gain *audio.Gain
	// Metrics is optional.
	Metrics *Metrics
}

// SyncAnchor is the reference point for playback timing: the first packet
// received after warm-up and the host time it arrived.
type SyncAnchor struct {
	Logical    int64
	ReceivedAt time.Time
}

// Frame is one packet worth of audio ready for the sink.
type Frame struct {
	PCM       audio.PCM
	At        audio.AudioTime
	Logical   int64
	Concealed bool
}

// PlayoutSnapshot is a copy of the playout state for status displays.
type PlayoutSnapshot struct {
	Synced   bool
	Anchor   *SyncAnchor
	Pointer  int64
	Buffered int
	NextAt   audio.AudioTime
}

// Playout owns every piece of ordering and timing state for a stream: the
// sequence tracker, the jitter buffer, the decoder and the playback clock.
// All access goes through its methods, which serialize on one lock.
type Playout struct {
	mu sync.Mutex

	format         audio.Format
	packetDuration time.Duration
	bufferPackets  int64
	gain           *audio.Gain
	metrics        *Metrics

	tracker rtp.SequenceTracker
	jitter  *rtp.JitterBuffer
	decoder PacketDecoder

	anchor  *SyncAnchor
	synced  bool
	pointer int64
	nextAt  audio.AudioTime
}

// NewPlayout creates the playout state for one stream.
//
// Parameters:
//   - cfg: Packet format, buffering delay and optional gain and metrics
//   - decoder: Payload decoder, owned by the playout from here on
//
// Returns:
//   - *Playout: The playout
//   - error: ErrInvalidPlayoutConfig or ErrNilDecoder
func NewPlayout(cfg PlayoutConfig, decoder PacketDecoder) (*Playout, error) {
	if decoder == nil {
		return nil, ErrNilDecoder
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlayoutConfig, err)
	}
	if cfg.BufferDelay < 0 {
		return nil, fmt.Errorf("%w: negative buffer delay %s", ErrInvalidPlayoutConfig, cfg.BufferDelay)
	}

	p := &Playout{
		format:         cfg.Format,
		packetDuration: cfg.Format.FrameDuration,
		bufferPackets:  int64(cfg.BufferDelay / cfg.Format.FrameDuration),
		gain:           cfg.Gain,
		metrics:        cfg.Metrics,
		jitter:         rtp.NewJitterBuffer(),
		decoder:        decoder,
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewPlayout",
		"buffer_delay":   cfg.BufferDelay.String(),
		"buffer_packets": p.bufferPackets,
		"frames":         cfg.Format.FramesPerPacket(),
	}).Info("Playout created")

	return p, nil
}

// AddPacket resolves the packet's logical sequence and queues it. The first
// packet becomes the sync anchor. Packets at or behind the playback pointer
// are dropped.
func (p *Playout) AddPacket(pkt rtp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logical := p.tracker.Resolve(pkt.SequenceNumber)
	if p.anchor == nil {
		p.anchor = &SyncAnchor{Logical: logical, ReceivedAt: pkt.ReceivedAt}
		logrus.WithFields(logrus.Fields{
			"function":    "Playout.AddPacket",
			"logical":     logical,
			"received_at": pkt.ReceivedAt,
		}).Info("Sync anchor established")
	}

	if err := p.jitter.Insert(rtp.Entry{Packet: pkt, Logical: logical}); err != nil {
		p.metrics.ObserveLate(1)
		return
	}
	p.metrics.SetBufferDepth(p.jitter.Len())
}

// Sync recomputes the playback pointer from the sink's render time.
//
// The pointer becomes the logical sequence that should be audible at
// render, given the anchor and the buffering delay. The next frame is
// scheduled at render plus additionalDelay. Sync returns false until an
// anchor exists.
func (p *Playout) Sync(render audio.AudioTime, additionalDelay time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.anchor == nil {
		return false
	}

	elapsed := render.HostTime.Sub(p.anchor.ReceivedAt)
	estimated := p.anchor.Logical + int64(elapsed/p.packetDuration)
	p.pointer = estimated - p.bufferPackets
	p.jitter.SetDelivered(p.pointer)
	p.nextAt = render.Offset(additionalDelay)
	p.synced = true

	logrus.WithFields(logrus.Fields{
		"function":         "Playout.Sync",
		"estimated":        estimated,
		"pointer":          p.pointer,
		"additional_delay": additionalDelay.String(),
		"sample_time":      p.nextAt.SampleTime,
	}).Info("Playout synchronized")
	return true
}

// Next produces the frame for the slot after the playback pointer and
// advances the pointer and the playback clock by one packet. Packets queued
// behind the slot are discarded as late. A missing or undecodable packet
// yields a concealment frame. Next returns false before the first Sync.
func (p *Playout) Next() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.synced {
		return Frame{}, false
	}

	slot := p.pointer + 1
	entry, skipped, found := p.jitter.NextUpTo(slot)
	p.metrics.ObserveLate(skipped)

	frames := p.format.FramesPerPacket()
	frame := Frame{Logical: slot, At: p.nextAt}

	var pcm audio.PCM
	var err error
	if found && entry.Logical == slot {
		pcm, err = p.decoder.Decode(entry.Payload)
		if err != nil {
			var ce *audio.CodecError
			fields := logrus.Fields{
				"function": "Playout.Next",
				"logical":  slot,
				"error":    err.Error(),
			}
			if errors.As(err, &ce) {
				fields["status"] = ce.Status
			}
			logrus.WithFields(fields).Warn("Decode failed, concealing packet")
			p.metrics.ObserveCodecError()
			found = false
		} else {
			p.metrics.ObserveDecoded()
		}
	} else if found {
		// Only entries behind the slot were queued.
		p.metrics.ObserveLate(1)
		found = false
	}

	if !found {
		pcm, err = p.decoder.DecodeLossConcealment(frames)
		if err != nil {
			// Not reachable for a validated format.
			pcm = audio.NewSilence(frames, p.format)
		}
		frame.Concealed = true
		p.metrics.ObserveConcealed()
		logrus.WithFields(logrus.Fields{
			"function": "Playout.Next",
			"logical":  slot,
		}).Debug("Packet missing, concealed")
	}

	if p.gain != nil {
		p.gain.Apply(pcm.Samples)
	}
	frame.PCM = pcm

	p.pointer = slot
	p.jitter.SetDelivered(slot)
	p.nextAt = p.nextAt.Advance(frames)
	p.metrics.SetBufferDepth(p.jitter.Len())
	return frame, true
}

// Reset discards all stream state, including the anchor and codec state.
func (p *Playout) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tracker.Reset()
	p.jitter.Reset()
	p.decoder.Reset()
	p.anchor = nil
	p.synced = false
	p.pointer = 0
	p.nextAt = audio.AudioTime{}
	p.metrics.SetBufferDepth(0)

	logrus.WithFields(logrus.Fields{
		"function": "Playout.Reset",
	}).Info("Playout reset")
}

// Snapshot returns a copy of the current state.
func (p *Playout) Snapshot() PlayoutSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PlayoutSnapshot{
		Synced:   p.synced,
		Pointer:  p.pointer,
		Buffered: p.jitter.Len(),
		NextAt:   p.nextAt,
	}
	if p.anchor != nil {
		a := *p.anchor
		s.Anchor = &a
	}
	return s
}
