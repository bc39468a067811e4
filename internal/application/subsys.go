package application

import "ssredir/internal/domain"

// RelaySubsystem is the protocol plugin contract. A subsystem owns the
// relay-side handshake and any per-instance or per-connection protocol state;
// the host service owns accept, dispatch, and teardown.
type RelaySubsystem interface {
	Name() string
	InstanceInit(inst *Instance) error
	InstanceFini(inst *Instance)
	Init(c *Conn)
	Fini(c *Conn)
	ConnectRelay(c *Conn, dest domain.Dest) error
}

var subsystems = make(map[string]RelaySubsystem)

func RegisterSubsystem(s RelaySubsystem) {
	subsystems[s.Name()] = s
}

func LookupSubsystem(name string) (RelaySubsystem, bool) {
	s, ok := subsystems[name]
	return s, ok
}

func init() {
	RegisterSubsystem(newShadowsocks())
}
