package application

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"ssredir/internal/domain"
	"ssredir/internal/infrastructure/bufsock"
	"ssredir/internal/infrastructure/network"
)

// Service is the redirector host: it accepts REDIRECTed client connections,
// recovers their original destinations, and hands each one to the configured
// relay subsystem. Per-connection failures never leave the connection.
type Service struct {
	log        *slog.Logger
	loop       domain.EventLoop
	inst       *Instance
	subsys     RelaySubsystem
	listenerFD int
	conns      map[*Conn]struct{}
}

func NewService(loop domain.EventLoop, logger *slog.Logger, cfg domain.InstanceConfig, protocol string) (*Service, error) {
	subsys, ok := LookupSubsystem(protocol)
	if !ok {
		return nil, fmt.Errorf("unknown relay subsystem %q", protocol)
	}

	inst := &Instance{Config: cfg, Log: logger}
	if err := subsys.InstanceInit(inst); err != nil {
		return nil, fmt.Errorf("instance init: %w", err)
	}

	lfd, err := network.ListenTCP(cfg.Bind)
	if err != nil {
		subsys.InstanceFini(inst)
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	return &Service{
		log:        logger,
		loop:       loop,
		inst:       inst,
		subsys:     subsys,
		listenerFD: lfd,
		conns:      make(map[*Conn]struct{}),
	}, nil
}

func (s *Service) Start() error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listenerFD)
	if err := s.loop.Register(s.listenerFD, domain.EventRead, s); err != nil {
		return err
	}

	s.log.Info("Redirector is running loop...",
		"bind", s.inst.Config.Bind.String(),
		"relay", s.inst.Config.Relay.String())
	return s.loop.Run()
}

func (s *Service) Stop() {
	for c := range s.conns {
		c.drop("service stopping")
	}
	s.loop.Unregister(s.listenerFD)
	unix.Close(s.listenerFD)
	s.subsys.InstanceFini(s.inst)
	s.loop.Stop()
}

func (s *Service) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD && event&domain.EventRead != 0 {
		return s.acceptClients()
	}
	return nil
}

func (s *Service) acceptClients() error {
	for {
		nfd, sa, err := unix.Accept4(s.listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			s.log.Error("Accept failed", "error", err)
			return err
		}
		s.handleClient(nfd, sa)
	}
}

func (s *Service) handleClient(nfd int, sa unix.Sockaddr) {
	clientIP := "unknown"
	if sockAddr, ok := sa.(*unix.SockaddrInet4); ok {
		clientIP = net.IP(sockAddr.Addr[:]).String()
	}

	// The original destination comes from the netfilter REDIRECT that got
	// the client here; without it there is nothing to tunnel to.
	dst, err := network.OriginalDst(nfd)
	if err != nil {
		s.log.Warn("No original destination, closing", "fd", nfd, "ip", clientIP, "error", err)
		unix.Close(nfd)
		return
	}

	conn := newConn(s.loop, s.log, s.inst, s.subsys, s.inst.Config.HighWaterMark)
	conn.onDrop = func(c *Conn) { delete(s.conns, c) }

	// During the handshake the client socket only accumulates input; the
	// pump handlers are bound after the relay connect completes.
	client, err := bufsock.NewAccepted(s.loop, nfd, s.inst.Config.HighWaterMark, domain.SocketCallbacks{
		OnEvent: func(ev domain.SocketEvent, evErr error) { conn.onSocketEvent(conn.Client, ev, evErr) },
	})
	if err != nil {
		s.log.Error("Failed to register client socket", "fd", nfd, "error", err)
		unix.Close(nfd)
		return
	}
	conn.Client = client
	s.subsys.Init(conn)
	s.conns[conn] = struct{}{}

	s.log.Info("New client accepted", "fd", nfd, "ip", clientIP, "dest", dst.String())

	if err := s.subsys.ConnectRelay(conn, domain.DestFromAddrPort(dst)); err != nil {
		s.log.Error("Relay handshake failed", "ip", clientIP, "error", err)
		conn.drop("handshake failed")
	}
}
