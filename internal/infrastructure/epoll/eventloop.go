package epoll

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"ssredir/internal/domain"
)

// LinuxEventLoop is a single-threaded, level-triggered epoll loop with a
// handler per registered descriptor. Accepts, relay connects, timers and the
// pump all run to completion on this one goroutine, so handlers never need
// locking.
type LinuxEventLoop struct {
	epollFD  int
	wakeFD   int // eventfd; Stop writes to it to interrupt EpollWait
	log      *slog.Logger
	handlers map[int]domain.EventHandler
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, err
	}
	return &LinuxEventLoop{
		epollFD:  epfd,
		wakeFD:   wfd,
		log:      log,
		handlers: make(map[int]domain.EventHandler),
	}, nil
}

func toEpoll(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if events&domain.EventReadHup != 0 {
		mask |= unix.EPOLLRDHUP
	}
	return mask
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&unix.EPOLLIN != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&unix.EPOLLRDHUP != 0 {
		ev |= domain.EventReadHup
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= domain.EventError
	}
	return ev
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType, h domain.EventHandler) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt); err != nil {
		return err
	}
	l.handlers[fd] = h
	return nil
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	delete(l.handlers, fd)
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks dispatching events until Stop is called. It owns both loop
// descriptors and closes them on the way out.
func (l *LinuxEventLoop) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.close()
			return err
		}

		stopped := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				stopped = true
				continue
			}
			handler, ok := l.handlers[fd]
			if !ok {
				// Unregistered by an earlier handler in this batch.
				continue
			}
			if err := handler.HandleEvent(fd, fromEpoll(events[i].Events)); err != nil {
				l.log.Error("Event handler failed", "fd", fd, "error", err)
			}
		}
		if stopped {
			l.close()
			return nil
		}
	}
}

// Stop wakes a Run blocked in EpollWait, from any goroutine. Run finishes the
// current batch and returns.
func (l *LinuxEventLoop) Stop() {
	one := [8]byte{1} // eventfd counter increment
	if _, err := unix.Write(l.wakeFD, one[:]); err != nil {
		l.log.Debug("Event loop wakeup failed", "error", err)
	}
}

func (l *LinuxEventLoop) close() {
	unix.Close(l.wakeFD)
	unix.Close(l.epollFD)
}
