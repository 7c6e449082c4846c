// Package memsubstream provides an in-process, in-memory duplex pipe used
// to hand one end of a substream to the code under test and the other to
// a simulated peer, mirroring the teacher's
// client.InventoryControlStreamPipe() test helper.
package memsubstream

import (
	"net"
)

// Pipe returns two connected Substream-shaped endpoints. Writes to one are
// readable from the other. Either end may be wrapped in
// wire.NewCBORSubstream to drive a handler-side exchange against a
// simulated remote peer.
func Pipe() (local, remote net.Conn) {
	return net.Pipe()
}
