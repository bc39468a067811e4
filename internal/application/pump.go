package application

import (
	"ssredir/internal/domain"
)

// The relay pump: two symmetric, independently driven pipelines. Each
// handler is bound to a (from, to, cipher) triple at connect time:
// client -> relay runs the encrypt context, relay -> client the decrypt
// context. Backpressure is per direction: a destination whose output queue
// reaches the high-water mark pauses the paired source's reads until it
// drains back below the mark.

// startRelay rewires both sockets from their handshake-era handlers to the
// steady-state pump and opens the taps.
func (c *Conn) startRelay() {
	client, relay := c.Client, c.Relay
	enc, dec := c.Enc, c.Dec

	client.SetCallbacks(domain.SocketCallbacks{
		OnReadable: func() { c.onReadable(client, relay, enc) },
		OnWritable: func() { c.onWritable(relay, client, dec) },
		OnEvent:    func(ev domain.SocketEvent, err error) { c.onSocketEvent(client, ev, err) },
	})
	relay.SetCallbacks(domain.SocketCallbacks{
		OnReadable: func() { c.onReadable(relay, client, dec) },
		OnWritable: func() { c.onWritable(client, relay, enc) },
		OnEvent:    func(ev domain.SocketEvent, err error) { c.onSocketEvent(relay, ev, err) },
	})

	if err := client.EnableRead(); err != nil {
		c.log.Error("Enabling client reads failed", "error", err)
	}
	if err := relay.EnableRead(); err != nil {
		c.log.Error("Enabling relay reads failed", "error", err)
	}
}

// onReadable moves newly arrived bytes from `from` toward `to`, unless `to`
// is already backed up past the high-water mark, in which case `from` stops
// reading until `to` drains.
func (c *Conn) onReadable(from, to domain.StreamSocket, ctx domain.CipherContext) {
	c.touch()
	if c.State != domain.StateConnected {
		c.dropAnomalous("read event")
		return
	}
	if to.OutputLen() >= c.hwm {
		if err := from.DisableRead(); err != nil {
			c.log.Error("Disabling reads failed", "fd", from.FD(), "error", err)
		}
		return
	}
	c.transform(ctx, from, to)
	if err := from.EnableRead(); err != nil {
		c.log.Error("Enabling reads failed", "fd", from.FD(), "error", err)
	}
}

// onWritable runs when `to` drained some output. Pending half-closes resolve
// first; otherwise, input still waiting on `from` is transformed
// opportunistically and `from`'s reads come back on.
func (c *Conn) onWritable(from, to domain.StreamSocket, ctx domain.CipherContext) {
	c.touch()
	if c.processShutdownOnWrite(from, to) {
		return
	}
	if c.State != domain.StateConnected {
		c.dropAnomalous("write event")
		return
	}
	if to.OutputLen() < c.hwm {
		if from.InputLen() > 0 {
			c.transform(ctx, from, to)
		}
		if !from.ReadShut() {
			if err := from.EnableRead(); err != nil {
				c.log.Error("Enabling reads failed", "fd", from.FD(), "error", err)
			}
		}
	}
}

// processShutdownOnWrite propagates a pending half-close once everything
// queued for this direction, destination output and source input alike,
// has fully drained. Returns true when it consumed the write event.
func (c *Conn) processShutdownOnWrite(from, to domain.StreamSocket) bool {
	if !to.WriteShutPending() || to.WriteShut() {
		return false
	}
	if to.OutputLen() > 0 || from.InputLen() > 0 {
		return false
	}
	if err := to.ShutdownWrite(); err != nil {
		c.log.Debug("Write shutdown failed", "fd", to.FD(), "error", err)
	}
	c.maybeFinish()
	return true
}

// transform ciphers the head contiguous run of `from`'s input straight into
// reserved space on `to`'s output. Remaining fragments wait for the next
// event. A cipher failure commits zero bytes and the connection continues;
// the consumed input is drained either way.
func (c *Conn) transform(ctx domain.CipherContext, from, to domain.StreamSocket) {
	run := from.InputContiguous()
	if len(run) == 0 {
		return
	}
	dst := to.ReserveOutput(ctx.WorstCaseSize(len(run)))
	n, err := ctx.Transform(run, dst)
	if err != nil {
		c.log.Error("Cipher transform failed, block discarded", "bytes", len(run), "error", err)
		n = 0
	}
	to.CommitOutput(n)
	from.DrainInput(len(run))
}
