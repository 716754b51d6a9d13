// Package av turns a received RTP audio stream into scheduled PCM.
//
// # Architecture
//
// The package is built from the sub-packages:
//
//   - av/rtp: packet parsing, sequence extension, jitter buffer, UDP receiver
//   - av/rtcp: the device control channel and its handshake
//   - av/audio: Opus decoding, loss concealment and the output sink contract
//
// Playout owns all per-stream ordering and timing state. The receiver feeds
// it with AddPacket; the Scheduler drains it once per packet duration and
// hands each frame to the sink at its computed playback time.
//
// # Timing
//
// The first packet after warm-up becomes the sync anchor. When the sink
// reports its render position, Sync places the playback pointer at the
// packet that should be audible now:
//
//	pointer = anchor + (render - anchorReceivedAt)/packetDuration - bufferDelay/packetDuration
//
// and pins the next frame to render + additionalDelay, where
//
//	additionalDelay = requestedDelay - playoutDelay - outputLatency
//
// Each Next advances the pointer by one packet and the playback time by
// exactly one packet of samples, so frames are evenly spaced whether they
// were decoded or concealed. Sync is repeated whenever the output latency
// changes.
//
// # Usage
//
//	dec, _ := audio.NewDecoder(audio.DefaultFormat)
//	playout, _ := av.NewPlayout(av.PlayoutConfig{
//	    Format:      audio.DefaultFormat,
//	    BufferDelay: 400 * time.Millisecond,
//	}, dec)
//	sched, _ := av.NewScheduler(av.SchedulerConfig{
//	    Tick:           10 * time.Millisecond,
//	    RequestedDelay: 1200 * time.Millisecond,
//	    PlayoutDelay:   400 * time.Millisecond,
//	}, playout, sink)
//	go sched.Run(ctx)
//
// # Metrics
//
// Metrics exports stream counters to Prometheus and implements rtp.Observer
// so the receiver reports into it directly. MetricsSnapshot grades stream
// quality by the share of concealed frames.
package av
