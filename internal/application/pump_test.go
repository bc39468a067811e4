package application

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssredir/internal/domain"
	"ssredir/internal/infrastructure/bufsock"
)

// fakeSock is an in-memory StreamSocket for driving the pump by hand.
type fakeSock struct {
	fd          int
	cb          domain.SocketCallbacks
	in, out     bufsock.Buffer
	readEnabled bool
	enables     int
	disables    int
	readShut    bool
	writeShut   bool
	shutPending bool
	shutdowns   int
	closed      bool
}

func (f *fakeSock) FD() int                                { return f.fd }
func (f *fakeSock) SetCallbacks(cb domain.SocketCallbacks) { f.cb = cb }
func (f *fakeSock) InputLen() int                          { return f.in.Len() }
func (f *fakeSock) InputContiguous() []byte                { return f.in.Contiguous() }
func (f *fakeSock) DrainInput(n int)                       { f.in.Drain(n) }
func (f *fakeSock) OutputLen() int                         { return f.out.Len() }
func (f *fakeSock) ReserveOutput(n int) []byte             { return f.out.Reserve(n) }
func (f *fakeSock) CommitOutput(n int)                     { f.out.Commit(n) }
func (f *fakeSock) EnableRead() error                      { f.readEnabled = true; f.enables++; return nil }
func (f *fakeSock) DisableRead() error                     { f.readEnabled = false; f.disables++; return nil }
func (f *fakeSock) ReadShut() bool                         { return f.readShut }
func (f *fakeSock) MarkWriteShutPending()                  { f.shutPending = true }
func (f *fakeSock) WriteShutPending() bool                 { return f.shutPending }
func (f *fakeSock) WriteShut() bool                        { return f.writeShut }
func (f *fakeSock) Close()                                 { f.closed = true }

func (f *fakeSock) ShutdownWrite() error {
	if !f.writeShut {
		f.writeShut = true
		f.shutPending = false
		f.shutdowns++
	}
	return nil
}

// copyCtx passes bytes through unchanged and counts releases.
type copyCtx struct {
	releases int
}

func (c *copyCtx) WorstCaseSize(n int) int { return n }
func (c *copyCtx) Transform(src, dst []byte) (int, error) {
	return copy(dst, src), nil
}
func (c *copyCtx) Release() { c.releases++ }

// failCtx always fails mid-stream.
type failCtx struct{}

func (failCtx) WorstCaseSize(n int) int                { return n }
func (failCtx) Transform(src, dst []byte) (int, error) { return 0, errors.New("bad block") }
func (failCtx) Release()                               {}

type fakeEngine struct {
	pairErr error
	enc     *copyCtx
	dec     *copyCtx
}

func (e *fakeEngine) Method() string { return "fake" }
func (e *fakeEngine) NewPair() (domain.CipherContext, domain.CipherContext, error) {
	if e.pairErr != nil {
		return nil, nil, e.pairErr
	}
	e.enc, e.dec = &copyCtx{}, &copyCtx{}
	return e.enc, e.dec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testHWM = 32

// connectedConn builds a connection already in the steady state, wired to
// in-memory sockets and pass-through ciphers.
func connectedConn(t *testing.T) (*Conn, *fakeSock, *fakeSock) {
	t.Helper()
	engine := &fakeEngine{}
	inst := &Instance{Engine: engine, Log: testLogger()}
	inst.Config.HighWaterMark = testHWM

	ss := newShadowsocks()
	c := newConn(nil, testLogger(), inst, ss, testHWM)
	client := &fakeSock{fd: 10}
	relay := &fakeSock{fd: 20}
	c.Client, c.Relay = client, relay

	enc, dec, err := engine.NewPair()
	require.NoError(t, err)
	c.Enc, c.Dec = enc, dec
	c.State = domain.StateConnected
	c.startRelay()
	return c, client, relay
}

func TestReadableMovesBytesTowardPeer(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.in.Append([]byte("payload"))
	c.onReadable(client, relay, c.Enc)

	assert.Equal(t, 0, client.InputLen())
	assert.Equal(t, []byte("payload"), relay.out.Bytes())
	assert.True(t, client.readEnabled)
	assert.False(t, c.dropped)
}

func TestBackpressurePausesSourceReads(t *testing.T) {
	c, client, relay := connectedConn(t)

	relay.out.Append(make([]byte, testHWM)) // destination already at the mark
	client.in.Append([]byte("stalled"))

	c.onReadable(client, relay, c.Enc)

	// No transform happened and the source stopped reading.
	assert.Equal(t, 7, client.InputLen())
	assert.Equal(t, testHWM, relay.OutputLen())
	assert.False(t, client.readEnabled)
	assert.Equal(t, 1, client.disables)

	// Output drains below the mark: the writable path transforms the
	// waiting input and turns reads back on.
	relay.out.Drain(testHWM)
	c.onWritable(client, relay, c.Enc)

	assert.Equal(t, 0, client.InputLen())
	assert.Equal(t, []byte("stalled"), relay.out.Bytes())
	assert.True(t, client.readEnabled)
}

func TestStateGatingDropsEarlyTraffic(t *testing.T) {
	engine := &fakeEngine{}
	inst := &Instance{Engine: engine, Log: testLogger()}
	ss := newShadowsocks()
	c := newConn(nil, testLogger(), inst, ss, testHWM)
	client := &fakeSock{fd: 10}
	relay := &fakeSock{fd: 20}
	c.Client, c.Relay = client, relay

	// Still in New: a pump event here is anomalous and terminal.
	c.onReadable(client, relay, failCtx{})

	assert.True(t, c.dropped)
	assert.True(t, client.closed)
	assert.True(t, relay.closed)
}

func TestTransformFailureIsBestEffort(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.in.Append([]byte("doomed"))
	c.transform(failCtx{}, client, relay)

	// Zero bytes committed, input still drained, connection alive.
	assert.Equal(t, 0, relay.OutputLen())
	assert.Equal(t, 0, client.InputLen())
	assert.False(t, c.dropped)
}

func TestHeadSegmentOnlyPerEvent(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.in.Append([]byte("first-"))
	client.in.Append([]byte("second"))

	c.onReadable(client, relay, c.Enc)
	assert.Equal(t, []byte("first-"), relay.out.Bytes())
	assert.Equal(t, 6, client.InputLen())

	c.onReadable(client, relay, c.Enc)
	assert.Equal(t, []byte("first-second"), relay.out.Bytes())
	assert.Equal(t, 0, client.InputLen())
}

func TestHalfCloseAfterDrain(t *testing.T) {
	c, client, relay := connectedConn(t)

	relay.out.Append([]byte("queued"))
	client.readShut = true
	c.onSocketEvent(client, domain.SocketEOF, nil)

	// Output still queued toward the relay: shutdown only marked pending.
	assert.True(t, relay.WriteShutPending())
	assert.False(t, relay.WriteShut())

	relay.out.Drain(6)
	c.onWritable(client, relay, c.Enc)

	assert.True(t, relay.WriteShut())
	assert.Equal(t, 1, relay.shutdowns)

	// Further writable events must not shut down again.
	c.onWritable(client, relay, c.Enc)
	assert.Equal(t, 1, relay.shutdowns)
}

func TestHalfCloseImmediateWhenDrained(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.readShut = true
	c.onSocketEvent(client, domain.SocketEOF, nil)

	assert.True(t, relay.WriteShut())
	assert.Equal(t, 1, relay.shutdowns)
	assert.False(t, c.dropped, "other direction still open")
}

func TestEOFFlushesAllFragments(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.in.Append([]byte("frag1|"))
	client.in.Append([]byte("frag2"))
	client.readShut = true

	c.onSocketEvent(client, domain.SocketEOF, nil)

	// Every fragment went out before the half-close propagated.
	assert.Equal(t, []byte("frag1|frag2"), relay.out.Bytes())
	assert.True(t, relay.WriteShutPending())
	assert.False(t, relay.WriteShut(), "output not drained yet")
}

func TestBothDirectionsFinishedDropsConn(t *testing.T) {
	c, client, relay := connectedConn(t)

	client.readShut = true
	c.onSocketEvent(client, domain.SocketEOF, nil)
	assert.False(t, c.dropped)

	relay.readShut = true
	c.onSocketEvent(relay, domain.SocketEOF, nil)

	assert.True(t, c.dropped)
	assert.True(t, client.closed)
	assert.True(t, relay.closed)
}

func TestSocketErrorDropsConn(t *testing.T) {
	c, client, relay := connectedConn(t)

	c.onSocketEvent(relay, domain.SocketError, errors.New("reset"))

	assert.True(t, c.dropped)
	assert.True(t, client.closed)
	assert.True(t, relay.closed)
}

func TestDropReleasesPairOnce(t *testing.T) {
	c, _, _ := connectedConn(t)
	engine := c.inst.Engine.(*fakeEngine)

	c.drop("test")
	c.drop("test again")

	assert.Equal(t, 1, engine.enc.releases)
	assert.Equal(t, 1, engine.dec.releases)
}
