package simkernel

import (
	"errors"
	"net"

	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/types"
)

// ErrNotAttached is returned by RunWorkload before Attach.
var ErrNotAttached = errors.New("simkernel: backend not attached")

// RunWorkload plays a short shell session through the attached populators:
// a fork and exec of curl, a session change, a file removal, outbound and
// inbound TCP connections and the exit of the child.
func (b *Backend) RunWorkload() error {
	p := b.probes
	if p == nil {
		return ErrNotAttached
	}
	k := b.Kernel

	initTask := k.NewTask(TaskSpec{Tid: 1, Pgid: 1, Sid: 1, Comm: "systemd", Argv: []string{"/sbin/init"}})
	shell := k.NewTask(TaskSpec{
		Tid: 812, Parent: initTask, Pgid: 812, Sid: 812, Comm: "bash",
		Creds: types.CredInfo{Ruid: 1000, Rgid: 1000, Euid: 1000, Egid: 1000, Suid: 1000, Sgid: 1000},
		Tty:   &Tty{Major: 136, Index: 0},
		Argv:  []string{"-bash"},
	})
	child := k.NewTask(TaskSpec{
		Tid: 1337, Parent: shell, Pgid: 1337, Sid: 812, Comm: "curl",
		Creds: shell.Spec.Creds,
		Tty:   shell.Spec.Tty,
		Argv:  []string{"curl", "-s", "https://example.com"},
		Env:   []string{"HOME=/home/dev", "LANG=C.UTF-8", "K8S_USER=dev@example.com"},
	})
	server := k.NewTask(TaskSpec{Tid: 640, Parent: initTask, Pgid: 640, Sid: 640, Comm: "sshd"})

	outbound := k.NewSock(SockSpec{
		Family: AFInet, Protocol: IPProtoTCP,
		Saddr: net.IPv4(192, 168, 1, 20), Daddr: net.IPv4(93, 184, 216, 34),
		Sport: 51234, Dport: 443, Netns: 4026531840,
	})
	outbound6 := k.NewSock(SockSpec{
		Family: AFInet6, Protocol: IPProtoTCP,
		Saddr: net.ParseIP("2001:db8::20"), Daddr: net.ParseIP("2606:2800:220:1::1"),
		Sport: 51236, Dport: 443, Netns: 4026531840,
	})
	inbound := k.NewSock(SockSpec{
		Family: AFInet, Protocol: IPProtoTCP,
		Saddr: net.IPv4(192, 168, 1, 20), Daddr: net.IPv4(192, 168, 1, 7),
		Sport: 22, Dport: 60022, Netns: 4026531840,
	})

	steps := []func() error{
		func() error { return p.SchedProcessFork(shell.Addr, child.Addr) },
		func() error { return p.SchedProcessExec(child.Addr, k.NewBprm("/usr/bin/curl", uint32(len(child.Spec.Env)))) },
		func() error {
			return p.KsysSetsidExit(child.Addr, b.CallContext(probe.FuncKsysSetsid, nil, uint64(child.Tgid)))
		},
		func() error {
			ctx := b.CallContext(probe.FuncVfsUnlink, map[string]uint64{"dentry": uint64(k.Dentry("/tmp/curl-cache/session.tmp"))}, 0)
			return p.VfsUnlinkExit(child.Addr, ctx)
		},
		func() error {
			ctx := b.CallContext(probe.FuncTCPV4Connect, map[string]uint64{"sk": uint64(outbound)}, 0)
			return p.TCPConnectExit(probe.FuncTCPV4Connect, child.Addr, ctx)
		},
		func() error {
			ctx := b.CallContext(probe.FuncTCPV6Connect, map[string]uint64{"sk": uint64(outbound6)}, 0)
			return p.TCPConnectExit(probe.FuncTCPV6Connect, child.Addr, ctx)
		},
		func() error {
			return p.InetCskAcceptExit(server.Addr, b.CallContext(probe.FuncInetCskAccept, nil, uint64(inbound)))
		},
		func() error {
			return p.TCPCloseEntry(child.Addr, b.CallContext(probe.FuncTCPClose, map[string]uint64{"sk": uint64(outbound)}, 0))
		},
		func() error {
			k.SetExitCode(child, 0)
			return p.SchedProcessExit(child.Addr)
		},
	}

	var errs []error
	for _, step := range steps {
		if err := step(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
