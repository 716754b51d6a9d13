// Package relay runs a device audio relay session end to end.
//
// StartRelay authenticates with the device, asks it to stream audio to this
// host, and then supervises four tasks as one group: the RTP receive loop,
// the RTCP receive loop, the RTCP handshake followed by heartbeats, and the
// playback scheduler. When any task fails the rest are cancelled, and every
// socket and the audio sink are released before the handle reports done.
//
//	o := relay.New(relay.DefaultConfig(), relay.Deps{})
//	o.OnStatusChange(func(s relay.Status) { fmt.Println(s) })
//	h, err := o.StartRelay(ctx, "http://192.168.1.20:8060/", nil)
//	if err != nil {
//		return err
//	}
//	defer h.Cancel()
//	return h.Wait()
package relay
