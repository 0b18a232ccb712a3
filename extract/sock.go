package extract

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/jnesss/eventstrace/kmem"
	"github.com/jnesss/eventstrace/types"
)

var (
	ErrUnsupportedFamily    = errors.New("extract: unsupported address family")
	ErrUnsupportedTransport = errors.New("extract: unsupported transport protocol")
)

// ntohs converts a 16-bit value read in host order from a network-order
// field.
func ntohs(v uint16) uint16 { return bits.ReverseBytes16(v) }

// Sock fills ni from the socket sk. Only AF_INET and AF_INET6 TCP sockets
// are accepted. ni is left untouched unless every field was read.
func Sock(r kmem.Reader, l *Layout, sk kmem.Addr, ni *types.NetInfo) error {
	if sk == 0 {
		return fmt.Errorf("sock: %w", kmem.ErrNullPointer)
	}
	var out types.NetInfo

	family, err := kmem.U16(r, sk+kmem.Addr(l.Sock.Family))
	if err != nil {
		return fmt.Errorf("sock family: %w", err)
	}
	switch family {
	case afInet:
		out.Family = types.FamilyInet
		if err := kmem.ReadKernelFull(r, out.Saddr[:4], sk+kmem.Addr(l.Sock.RcvSaddr)); err != nil {
			return fmt.Errorf("sock saddr: %w", err)
		}
		if err := kmem.ReadKernelFull(r, out.Daddr[:4], sk+kmem.Addr(l.Sock.Daddr)); err != nil {
			return fmt.Errorf("sock daddr: %w", err)
		}
	case afInet6:
		out.Family = types.FamilyInet6
		if err := kmem.ReadKernelFull(r, out.Saddr[:], sk+kmem.Addr(l.Sock.V6RcvSaddr)); err != nil {
			return fmt.Errorf("sock v6 saddr: %w", err)
		}
		if err := kmem.ReadKernelFull(r, out.Daddr[:], sk+kmem.Addr(l.Sock.V6Daddr)); err != nil {
			return fmt.Errorf("sock v6 daddr: %w", err)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedFamily, family)
	}

	sport, err := kmem.U16(r, sk+kmem.Addr(l.Sock.InetSport))
	if err != nil {
		return fmt.Errorf("sock sport: %w", err)
	}
	dport, err := kmem.U16(r, sk+kmem.Addr(l.Sock.Dport))
	if err != nil {
		return fmt.Errorf("sock dport: %w", err)
	}
	out.Sport, out.Dport = ntohs(sport), ntohs(dport)

	if out.Netns, err = kmem.ChainU32(r, sk, l.Sock.Net, l.Net.NsInum); err != nil {
		return fmt.Errorf("sock netns: %w", err)
	}

	proto, err := kmem.U16(r, sk+kmem.Addr(l.Sock.Protocol))
	if err != nil {
		return fmt.Errorf("sock protocol: %w", err)
	}
	if proto != ipprotoTCP {
		return fmt.Errorf("%w: %d", ErrUnsupportedTransport, proto)
	}
	out.Transport = types.TransportTCP

	*ni = out
	return nil
}
