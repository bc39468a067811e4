package application

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"ssredir/internal/domain"
	"ssredir/internal/infrastructure/bufsock"
	"ssredir/internal/infrastructure/encrypt"
)

// Wire header: tag(1) + IPv4 address(4) + port(2), network byte order,
// always exactly 7 bytes before encryption. Past the handshake the stream is
// raw ciphertext with no further framing.
const (
	ssAddrTypeIPv4 = 0x01
	ssHeaderLen    = 7
	// Scratch headroom over the header's worst-case ciphertext size.
	headerScratchHeadroom = 64
)

// relayConnector is the connect-with-optimistic-payload primitive; swapped
// out in tests.
type relayConnector func(loop domain.EventLoop, device string, dest netip.AddrPort,
	payload []byte, timeout time.Duration, readHWM int,
	cb domain.SocketCallbacks) (domain.StreamSocket, int, error)

// shadowsocks tunnels each redirected connection through an encrypted relay
// speaking the shadowsocks stream protocol.
type shadowsocks struct {
	connect relayConnector
}

func newShadowsocks() *shadowsocks {
	return &shadowsocks{connect: connectRelaySocket}
}

func connectRelaySocket(loop domain.EventLoop, device string, dest netip.AddrPort,
	payload []byte, timeout time.Duration, readHWM int,
	cb domain.SocketCallbacks) (domain.StreamSocket, int, error) {

	s, sent, err := bufsock.Connect(loop, device, dest, payload, timeout, readHWM, cb)
	if err != nil {
		return nil, 0, err
	}
	return s, sent, nil
}

func (ss *shadowsocks) Name() string { return "shadowsocks" }

func (ss *shadowsocks) InstanceInit(inst *Instance) error {
	engine, err := encrypt.NewEngine(inst.Config.Method, inst.Config.Secret)
	if err != nil {
		return err
	}
	inst.Engine = engine
	inst.Log.Info("Relay subsystem ready",
		"subsystem", ss.Name(),
		"bind", inst.Config.Bind.String(),
		"method", engine.Method())
	return nil
}

func (ss *shadowsocks) InstanceFini(inst *Instance) {}

func (ss *shadowsocks) Init(c *Conn) {
	c.State = domain.StateNew
}

// Fini releases the cipher pair. Safe to call more than once: ReleasePair
// skips contexts that were never initialized and contexts never
// double-release.
func (ss *shadowsocks) Fini(c *Conn) {
	encrypt.ReleasePair(c.Enc, c.Dec)
	c.Enc, c.Dec = nil, nil
}

// ConnectRelay is the handshake encoder: it creates the cipher pair, builds
// and encrypts the destination header, and opens the relay connection with
// the encrypted header attached as optimistic payload. All failures are
// terminal for this connection only; the caller drops it.
func (ss *shadowsocks) ConnectRelay(c *Conn, dest domain.Dest) error {
	if c.State != domain.StateNew {
		return domain.ErrAnomalousState
	}

	enc, dec, err := c.inst.Engine.NewPair()
	if err != nil {
		return fmt.Errorf("%w: cipher pair: %v", domain.ErrHandshake, err)
	}
	c.Enc, c.Dec = enc, dec

	hdr := encodeHeader(dest)
	scratch := make([]byte, c.Enc.WorstCaseSize(len(hdr))+headerScratchHeadroom)
	n, err := c.Enc.Transform(hdr, scratch)
	if err != nil {
		return fmt.Errorf("%w: header encrypt: %v", domain.ErrHandshake, err)
	}
	payload := scratch[:n]

	relay, sent, err := ss.connect(c.loop, c.inst.Config.Interface, c.inst.Config.Relay,
		payload, c.inst.Config.ConnectTimeout, c.hwm, domain.SocketCallbacks{
			OnConnected: func(err error) { ss.relayConnected(c, err) },
			OnEvent:     func(ev domain.SocketEvent, err error) { c.onSocketEvent(c.Relay, ev, err) },
		})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}
	c.Relay = relay

	if sent != 0 && sent != len(payload) {
		return fmt.Errorf("%w: sent %d of %d", domain.ErrPayloadMismatch, sent, len(payload))
	}
	return nil
}

// relayConnected is the New -> Connected transition. The transport result has
// already been verified against SO_ERROR; the connect timer is canceled by
// the socket; from here on the two peers handle timeouts themselves.
func (ss *shadowsocks) relayConnected(c *Conn, err error) {
	c.touch()
	if c.State != domain.StateNew {
		c.dropAnomalous("relay connect completion")
		return
	}
	if err != nil {
		c.log.Debug("Failed to connect to relay", "error", err)
		c.drop("relay connect failed")
		return
	}

	c.State = domain.StateConnected
	c.startRelay()
	if c.dropped {
		return
	}

	// Flush anything the client sent while the connect was outstanding, so
	// those bytes don't sit until the next natural read event.
	if c.Client.InputLen() > 0 {
		c.onWritable(c.Client, c.Relay, c.Enc)
	}
}

func encodeHeader(dest domain.Dest) []byte {
	hdr := make([]byte, 0, ssHeaderLen)
	hdr = append(hdr, ssAddrTypeIPv4)
	hdr = append(hdr, dest.Addr[:]...)
	hdr = binary.BigEndian.AppendUint16(hdr, dest.Port)
	return hdr
}
