package domain

// EventType mirrors the epoll event bits we care about.
type EventType uint32

const (
	EventRead    EventType = 0x1    // EPOLLIN
	EventWrite   EventType = 0x4    // EPOLLOUT
	EventError   EventType = 0x8    // EPOLLERR | EPOLLHUP
	EventReadHup EventType = 0x2000 // EPOLLRDHUP
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

type EventLoop interface {
	Register(fd int, events EventType, h EventHandler) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run() error
	Stop()
}

// SocketEvent is a terminal notification delivered outside the normal
// readable/writable flow.
type SocketEvent int

const (
	SocketEOF SocketEvent = iota // peer shut its write side
	SocketError
)

type SocketCallbacks struct {
	OnReadable  func()
	OnWritable  func()
	OnConnected func(err error) // connect-completed; err is the verified transport result
	OnEvent     func(ev SocketEvent, err error)
}

// StreamSocket is the buffered, event-driven socket the relay core runs on.
// Output writes are reserve-then-commit so a cipher can transform in place;
// input is consumed one contiguous run at a time.
type StreamSocket interface {
	FD() int
	SetCallbacks(cb SocketCallbacks)

	InputLen() int
	InputContiguous() []byte
	DrainInput(n int)

	OutputLen() int
	ReserveOutput(n int) []byte
	CommitOutput(n int)

	EnableRead() error
	DisableRead() error
	ReadShut() bool

	MarkWriteShutPending()
	WriteShutPending() bool
	WriteShut() bool
	ShutdownWrite() error

	Close()
}

// CipherContext is opaque per-direction stream state. Both directions of a
// connection are created together and released together.
type CipherContext interface {
	// WorstCaseSize reports the output capacity needed to transform n input
	// bytes through this context in its current state.
	WorstCaseSize(n int) int
	// Transform consumes src in full and writes the produced bytes to dst,
	// which must hold at least WorstCaseSize(len(src)) bytes. It may
	// legitimately produce zero bytes (e.g. while the peer IV is still
	// incomplete).
	Transform(src, dst []byte) (int, error)
	// Release wipes the context. Safe to call more than once.
	Release()
}

// CipherEngine holds an instance's immutable key material.
type CipherEngine interface {
	Method() string
	// NewPair creates the encrypt and decrypt contexts atomically: if the
	// second cannot be created the first is released before the error is
	// returned.
	NewPair() (enc, dec CipherContext, err error)
}
