package types

import (
	"net"

	"golang.org/x/sys/unix"
)

// Buffer capacities of the fixed-size record fields.
const (
	TaskCommLen       = 16
	FilenameLen       = 256
	ArgvLen           = 1024
	EnvLen            = 256
	PathMaxComponents = 32
	PathComponentLen  = 64
)

// Header is common to all event types
type Header struct {
	Type EventType
	// Ts is the capture time in nanoseconds of monotonic kernel time.
	Ts uint64
}

// EventHeader gives every record type access to its header.
func (h *Header) EventHeader() *Header { return h }

// PidInfo is a snapshot of a task's process identity.
type PidInfo struct {
	Tid         uint32
	Tgid        uint32
	Ppid        uint32
	Pgid        uint32
	Sid         uint32
	StartTimeNs uint64
}

// CredInfo holds real, effective and saved ids.
type CredInfo struct {
	Ruid uint32
	Rgid uint32
	Euid uint32
	Egid uint32
	Suid uint32
	Sgid uint32
}

// TtyDev identifies a controlling terminal. Minor is the driver's base
// minor number plus the terminal index.
type TtyDev struct {
	Minor uint16
	Major uint16
}

// Family is the address family of a NetInfo.
type Family uint32

const (
	FamilyInet  Family = 1
	FamilyInet6 Family = 2
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "AF_INET"
	case FamilyInet6:
		return "AF_INET6"
	default:
		return "AF_UNKNOWN"
	}
}

// Transport is the transport protocol of a NetInfo.
type Transport uint32

const TransportTCP Transport = 1

func (t Transport) String() string {
	if t == TransportTCP {
		return "TCP"
	}
	return "UNKNOWN"
}

// NetInfo describes one TCP socket endpoint pair. IPv4 addresses occupy the
// first four bytes of Saddr and Daddr. Ports are in host byte order.
type NetInfo struct {
	Transport Transport
	Family    Family
	Saddr     [16]byte
	Daddr     [16]byte
	Sport     uint16
	Dport     uint16
	Netns     uint32
}

// SourceIP returns the local address.
func (n *NetInfo) SourceIP() net.IP { return n.ip(n.Saddr) }

// DestinationIP returns the remote address.
func (n *NetInfo) DestinationIP() net.IP { return n.ip(n.Daddr) }

func (n *NetInfo) ip(addr [16]byte) net.IP {
	if n.Family == FamilyInet {
		return net.IPv4(addr[0], addr[1], addr[2], addr[3])
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, addr[:])
	return ip
}

// FilePath is a path captured as components ordered from the root to the
// leaf. Len is the number of valid components.
type FilePath struct {
	Len        uint32
	Components [PathMaxComponents][PathComponentLen]byte
}

// Segments returns the valid components as strings.
func (p *FilePath) Segments() []string {
	n := int(p.Len)
	if n > PathMaxComponents {
		n = PathMaxComponents
	}
	segs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		segs = append(segs, CString(p.Components[i][:]))
	}
	return segs
}

// ProcessForkEvent is emitted when a new thread group is created.
type ProcessForkEvent struct {
	Header
	ParentPids PidInfo
	ChildPids  PidInfo
}

// ProcessExecEvent is emitted when a task executes a new program. Argv holds
// the NUL-delimited arguments verbatim; Env holds at most one filtered
// environment variable.
type ProcessExecEvent struct {
	Header
	Pids     PidInfo
	Creds    CredInfo
	Ctty     TtyDev
	Filename [FilenameLen]byte
	Argv     [ArgvLen]byte
	Env      [EnvLen]byte
}

// ProcessExitEvent is emitted when a thread group leader exits.
type ProcessExitEvent struct {
	Header
	Pids     PidInfo
	ExitCode int32
}

// ProcessSetsidEvent is emitted when a process becomes a session leader.
type ProcessSetsidEvent struct {
	Header
	Pids PidInfo
}

// FileDeleteEvent is emitted when a file is unlinked.
type FileDeleteEvent struct {
	Header
	Pids PidInfo
	Path FilePath
}

// NetworkEvent is shared by the connection attempted, accepted and closed
// event types.
type NetworkEvent struct {
	Header
	Pids PidInfo
	Net  NetInfo
	Comm [TaskCommLen]byte
}

// CString converts a NUL-terminated buffer to a string.
func CString(b []byte) string {
	return unix.ByteSliceToString(b)
}
