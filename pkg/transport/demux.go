package transport

import "net/netip"

// NotFound is the index returned by FindChannelByIPAddress when no channel
// matches.
const NotFound = -1

// FindChannelByIPAddress returns the redundancy and transport channel indices
// of the first configured channel whose remote IPv4 address equals the
// sender's. The port is ignored so that peers behind port translation are
// still routed. Both indices are NotFound when nothing matches.
func (h *Handle) FindChannelByIPAddress(sender netip.AddrPort) (int, int) {
	ip := sender.Addr().Unmap()
	if !ip.IsValid() {
		return NotFound, NotFound
	}
	for r, red := range h.redundancy {
		for t, ch := range red {
			if ch.remote.Addr() == ip {
				return r, t
			}
		}
	}
	return NotFound, NotFound
}

// channelFor resolves the sender to a channel, or nil.
func (h *Handle) channelFor(sender netip.AddrPort) *Channel {
	r, t := h.FindChannelByIPAddress(sender)
	if r == NotFound {
		return nil
	}
	return h.redundancy[r][t]
}
