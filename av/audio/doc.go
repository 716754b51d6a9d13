// Package audio holds the PCM side of the relay: Opus decoding with loss
// concealment, the fixed packet format, gain, and the output sink contract.
//
// Every packet decodes to exactly one block of Format.FramesPerPacket()
// frames (480 frames of 48 kHz stereo for 10 ms packets). When a packet is
// missing, DecodeLossConcealment produces a block of the same size so the
// playback timeline advances uniformly:
//
//	dec, err := audio.NewDecoder(audio.DefaultFormat)
//	if err != nil {
//	    return err
//	}
//	pcm, err := dec.Decode(payload)
//	if err != nil {
//	    pcm, _ = dec.DecodeLossConcealment(audio.DefaultFormat.FramesPerPacket())
//	}
//
// Decoding uses the pure Go github.com/pion/opus implementation, which
// handles SILK-only configurations. Other configurations are reported as a
// *CodecError with StatusUnimplemented.
//
// The Sink interface is implemented by the host audio engine. ClockSink is a
// host-clock driven implementation for headless use and tests.
package audio
