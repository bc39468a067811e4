package bufsock

import (
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"ssredir/internal/domain"
	"ssredir/internal/infrastructure/network"
)

// ErrConnectTimeout is reported through OnConnected when the relay does not
// answer within the configured handshake timeout.
var ErrConnectTimeout = errors.New("connect timed out")

// readChunk is how much we pull from the kernel per read call.
const readChunk = 16 * 1024

// Socket is a buffered, level-triggered event socket. Reads fill the input
// queue while enabled and below the input high-water mark; writes drain the
// output queue whenever the kernel accepts data. Write interest is held only
// while output is queued (or a connect is outstanding), so an empty socket
// costs nothing.
type Socket struct {
	fd   int
	loop domain.EventLoop
	cb   domain.SocketCallbacks

	in  Buffer
	out Buffer

	readHWM     int
	mask        domain.EventType
	registered  bool
	connecting  bool
	readEnabled bool
	suspended   bool // input queue hit its high-water mark
	readShut    bool
	writeShut   bool
	shutPending bool
	closed      bool

	timerFD int
}

// NewAccepted wraps an already-connected descriptor (an accepted client)
// with reads enabled.
func NewAccepted(loop domain.EventLoop, fd int, readHWM int, cb domain.SocketCallbacks) (*Socket, error) {
	s := &Socket{
		fd:          fd,
		loop:        loop,
		cb:          cb,
		readHWM:     readHWM,
		readEnabled: true,
		timerFD:     -1,
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens a non-blocking relay connection, offering payload with the
// connect attempt itself. It reports how many payload bytes the transport
// already flushed; any remainder is queued on the socket's output and goes
// out once the connection completes. OnConnected fires exactly once with the
// verified transport result; timeout failures arrive there too.
func Connect(loop domain.EventLoop, device string, dest netip.AddrPort, payload []byte,
	timeout time.Duration, readHWM int, cb domain.SocketCallbacks) (*Socket, int, error) {

	fd, err := network.TCPSocket(device)
	if err != nil {
		return nil, 0, err
	}

	sent, err := network.ConnectFastOpen(fd, network.SockaddrFromAddrPort(dest), payload)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}

	s := &Socket{
		fd:         fd,
		loop:       loop,
		cb:         cb,
		readHWM:    readHWM,
		connecting: true,
		timerFD:    -1,
	}
	s.out.Append(payload[sent:])

	if err := s.register(); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if timeout > 0 {
		if err := s.armTimer(timeout); err != nil {
			s.Close()
			return nil, 0, err
		}
	}
	return s, sent, nil
}

func (s *Socket) FD() int { return s.fd }

func (s *Socket) SetCallbacks(cb domain.SocketCallbacks) { s.cb = cb }

func (s *Socket) InputLen() int              { return s.in.Len() }
func (s *Socket) InputContiguous() []byte    { return s.in.Contiguous() }
func (s *Socket) OutputLen() int             { return s.out.Len() }
func (s *Socket) ReserveOutput(n int) []byte { return s.out.Reserve(n) }

func (s *Socket) CommitOutput(n int) {
	s.out.Commit(n)
	if n > 0 {
		s.updateInterest()
	}
}

func (s *Socket) DrainInput(n int) {
	s.in.Drain(n)
	if s.suspended && s.in.Len() < s.readHWM {
		s.suspended = false
		s.updateInterest()
	}
}

func (s *Socket) EnableRead() error {
	if s.readShut || s.readEnabled {
		return nil
	}
	s.readEnabled = true
	return s.updateInterest()
}

func (s *Socket) DisableRead() error {
	if !s.readEnabled {
		return nil
	}
	s.readEnabled = false
	return s.updateInterest()
}

func (s *Socket) ReadShut() bool         { return s.readShut }
func (s *Socket) WriteShut() bool        { return s.writeShut }
func (s *Socket) WriteShutPending() bool { return s.shutPending }
func (s *Socket) MarkWriteShutPending()  { s.shutPending = true }

// ShutdownWrite propagates a half-close to the transport. Callers only invoke
// it once the output queue has fully drained. While a connect is still
// outstanding (SYN-SENT takes no shutdown) the half-close stays pending and is
// resolved after the connect completes.
func (s *Socket) ShutdownWrite() error {
	if s.writeShut || s.closed {
		return nil
	}
	if s.connecting {
		s.shutPending = true
		return nil
	}
	s.writeShut = true
	s.shutPending = false
	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	s.updateInterest()
	return err
}

func (s *Socket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelTimer()
	if s.registered {
		s.loop.Unregister(s.fd)
	}
	unix.Close(s.fd)
}

// HandleEvent is the loop-facing entry point for both the socket descriptor
// and its connect timer.
func (s *Socket) HandleEvent(fd int, ev domain.EventType) error {
	if s.closed {
		return nil
	}
	if fd == s.timerFD {
		s.onTimer()
		return nil
	}

	if s.connecting {
		s.finishConnect(ev)
		return nil
	}

	if ev&domain.EventError != 0 {
		s.fail(network.SocketError(s.fd))
		return nil
	}

	if ev&(domain.EventRead|domain.EventReadHup) != 0 && s.readEnabled && !s.readShut {
		s.fill()
		if s.closed {
			return nil
		}
	}
	if ev&domain.EventWrite != 0 {
		s.flush()
	}
	return nil
}

// finishConnect resolves the outstanding connect. A writability or error
// notification both end up here; SO_ERROR decides which it really was.
func (s *Socket) finishConnect(ev domain.EventType) {
	if ev&(domain.EventWrite|domain.EventError) == 0 {
		return // spurious readiness, connect still outstanding
	}
	err := network.SocketError(s.fd)
	if err == nil && ev&domain.EventError != 0 {
		err = unix.ECONNRESET
	}
	s.connecting = false
	s.cancelTimer()
	if err == nil {
		s.updateInterest()
	}
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(err)
	}
	// Resolve a half-close that arrived during the connect, unless the
	// completion callback queued output that must go out first; then the
	// normal drained-output path picks the pending shutdown up.
	if err == nil && s.shutPending && !s.writeShut && !s.closed && s.out.Len() == 0 {
		if serr := s.ShutdownWrite(); serr != nil {
			s.fail(serr)
		}
	}
}

func (s *Socket) onTimer() {
	s.cancelTimer()
	if !s.connecting {
		return
	}
	s.connecting = false
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(ErrConnectTimeout)
	}
}

// fill pulls available bytes from the kernel into the input queue, stopping
// at the input high-water mark. EOF is reported after any data read in the
// same wakeup has been delivered.
func (s *Socket) fill() {
	var got bool
	var eof bool
	var failure error

	for s.in.Len() < s.readHWM {
		buf := s.in.Reserve(readChunk)
		n, err := unix.Read(s.fd, buf)
		if n > 0 {
			s.in.Commit(n)
			got = true
		} else {
			s.in.Commit(0)
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			failure = err
			break
		}
		if n == 0 {
			eof = true
			break
		}
	}

	if s.in.Len() >= s.readHWM && !s.suspended {
		s.suspended = true
		s.updateInterest()
	}

	if got && s.cb.OnReadable != nil {
		s.cb.OnReadable()
		if s.closed {
			return
		}
	}
	if failure != nil {
		s.fail(failure)
		return
	}
	if eof {
		s.markReadShut()
	}
}

func (s *Socket) markReadShut() {
	if s.readShut {
		return
	}
	s.readShut = true
	s.readEnabled = false
	s.updateInterest()
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(domain.SocketEOF, nil)
	}
}

// flush drains the output queue into the kernel, then hands control to the
// writable callback so the owner can refill it or resolve a pending
// half-close.
func (s *Socket) flush() {
	for s.out.Len() > 0 {
		chunk := s.out.Contiguous()
		n, err := unix.Write(s.fd, chunk)
		if n > 0 {
			s.out.Drain(n)
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			s.fail(err)
			return
		}
	}
	s.updateInterest()
	if s.cb.OnWritable != nil {
		s.cb.OnWritable()
	}
}

func (s *Socket) fail(err error) {
	if err == nil {
		err = unix.ECONNRESET
	}
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(domain.SocketError, err)
	}
}

func (s *Socket) wantedMask() domain.EventType {
	var mask domain.EventType
	if s.readEnabled && !s.readShut && !s.suspended {
		mask |= domain.EventRead | domain.EventReadHup
	}
	if s.connecting || (s.out.Len() > 0 && !s.writeShut) {
		mask |= domain.EventWrite
	}
	return mask
}

func (s *Socket) register() error {
	s.mask = s.wantedMask()
	if err := s.loop.Register(s.fd, s.mask, s); err != nil {
		return err
	}
	s.registered = true
	return nil
}

func (s *Socket) updateInterest() error {
	if !s.registered || s.closed {
		return nil
	}
	mask := s.wantedMask()
	if mask == s.mask {
		return nil
	}
	s.mask = mask
	return s.loop.Modify(s.fd, mask)
}

func (s *Socket) armTimer(d time.Duration) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return err
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return err
	}
	if err := s.loop.Register(tfd, domain.EventRead, s); err != nil {
		unix.Close(tfd)
		return err
	}
	s.timerFD = tfd
	return nil
}

func (s *Socket) cancelTimer() {
	if s.timerFD < 0 {
		return
	}
	s.loop.Unregister(s.timerFD)
	unix.Close(s.timerFD)
	s.timerFD = -1
}
