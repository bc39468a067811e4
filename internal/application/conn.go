package application

import (
	"fmt"
	"log/slog"
	"time"

	"ssredir/internal/domain"
)

// Instance is the immutable-after-init record shared by reference by every
// connection: configuration, derived key material, nothing else.
type Instance struct {
	Config domain.InstanceConfig
	Engine domain.CipherEngine
	Log    *slog.Logger
}

// Conn is the per-client connection record. The encrypt and decrypt contexts
// are owned here and are always both nil or both set: the handshake creates
// them as an atomic pair and Fini releases them together.
type Conn struct {
	log    *slog.Logger
	loop   domain.EventLoop
	inst   *Instance
	subsys RelaySubsystem
	onDrop func(*Conn)

	Client domain.StreamSocket
	Relay  domain.StreamSocket
	State  domain.ConnState
	Enc    domain.CipherContext
	Dec    domain.CipherContext

	hwm          int
	created      time.Time
	lastActivity time.Time
	dropped      bool
}

func newConn(loop domain.EventLoop, log *slog.Logger, inst *Instance, subsys RelaySubsystem, hwm int) *Conn {
	now := time.Now()
	return &Conn{
		log:          log,
		loop:         loop,
		inst:         inst,
		subsys:       subsys,
		hwm:          hwm,
		created:      now,
		lastActivity: now,
		State:        domain.StateNew,
	}
}

func (c *Conn) touch() {
	c.lastActivity = time.Now()
}

// peerOf maps a socket to its paired destination and the transform for that
// direction: client input encrypts toward the relay, relay input decrypts
// toward the client.
func (c *Conn) peerOf(from domain.StreamSocket) (domain.StreamSocket, domain.CipherContext) {
	if from == c.Client {
		return c.Relay, c.Enc
	}
	return c.Client, c.Dec
}

// onSocketEvent handles the terminal notifications of either socket. An
// error drops the connection; an EOF flushes whatever the closed direction
// still has buffered and then propagates a half-close to the paired socket,
// exactly once, after its output drains.
func (c *Conn) onSocketEvent(from domain.StreamSocket, ev domain.SocketEvent, err error) {
	if c.dropped {
		return
	}
	c.touch()

	if ev == domain.SocketError {
		c.drop(fmt.Sprintf("socket error: %v", err))
		return
	}

	to, ctx := c.peerOf(from)
	if to == nil {
		c.drop("eof with no paired socket")
		return
	}

	// Transform everything still buffered on the closed side, fragments
	// included; there will be no more read events to pick them up.
	if c.State == domain.StateConnected && ctx != nil {
		for from.InputLen() > 0 {
			before := from.InputLen()
			c.transform(ctx, from, to)
			if from.InputLen() == before {
				break
			}
		}
	}

	if !to.WriteShut() {
		to.MarkWriteShutPending()
		if to.OutputLen() == 0 && from.InputLen() == 0 {
			if err := to.ShutdownWrite(); err != nil {
				c.log.Debug("Write shutdown failed", "fd", to.FD(), "error", err)
			}
		}
	}
	c.maybeFinish()
}

// maybeFinish releases the connection once both directions have seen EOF and
// both half-closes have been propagated.
func (c *Conn) maybeFinish() {
	if c.dropped || c.Client == nil || c.Relay == nil {
		return
	}
	if c.Client.ReadShut() && c.Relay.ReadShut() && c.Client.WriteShut() && c.Relay.WriteShut() {
		c.drop("both directions finished")
	}
}

// drop tears the connection down synchronously: cipher pair released via the
// subsystem, both sockets closed, service bookkeeping updated. Idempotent.
func (c *Conn) drop(reason string) {
	if c.dropped {
		return
	}
	c.dropped = true
	c.log.Debug("Dropping connection",
		"reason", reason,
		"state", c.State.String(),
		"age", time.Since(c.created).Round(time.Millisecond),
		"idle", time.Since(c.lastActivity).Round(time.Millisecond))
	c.subsys.Fini(c)
	if c.Client != nil {
		c.Client.Close()
	}
	if c.Relay != nil {
		c.Relay.Close()
	}
	if c.onDrop != nil {
		c.onDrop(c)
	}
}

func (c *Conn) dropAnomalous(what string) {
	c.log.Warn("Anomalous event, dropping connection",
		"event", what, "state", c.State.String(), "error", domain.ErrAnomalousState)
	c.drop("anomalous state")
}
