// Package simkernel lays out synthetic kernel objects in a kmem.Space using
// the offsets of an extract.Layout, so the capture path can run against a
// known kernel state without privileges.
package simkernel

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"

	"github.com/jnesss/eventstrace/extract"
	"github.com/jnesss/eventstrace/kmem"
	"github.com/jnesss/eventstrace/types"
)

// Linux socket constants.
const (
	AFInet      = 2
	AFInet6     = 10
	IPProtoTCP  = 6
	IPProtoUDP  = 17
	taskCommLen = types.TaskCommLen
)

// Kernel owns a synthetic address space and the objects allocated in it.
type Kernel struct {
	Space  *kmem.Space
	Layout extract.Layout

	mu      sync.Mutex
	swapper *Task
	root    kmem.Addr
	dirs    map[string]kmem.Addr
	netns   map[uint32]kmem.Addr
}

// New returns a kernel holding only the idle task.
func New(l extract.Layout) *Kernel {
	k := &Kernel{
		Space:  kmem.NewSpace(),
		Layout: l,
		dirs:   make(map[string]kmem.Addr),
		netns:  make(map[uint32]kmem.Addr),
	}
	k.swapper = k.NewTask(TaskSpec{Comm: "swapper/0"})
	return k
}

// Swapper returns the idle task, pid 0. Tasks created without a parent are
// its children.
func (k *Kernel) Swapper() *Task { return k.swapper }

// Tty describes a controlling terminal.
type Tty struct {
	Major      uint32
	MinorStart uint32
	Index      uint32
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Tid  uint32
	Tgid uint32 // 0 means Tid
	// Leader is the thread group leader. Nil makes the task its own leader.
	Leader *Task
	// Parent is the real parent of a group leader. Nil means the idle task.
	Parent    *Task
	Pgid      uint32
	Sid       uint32
	StartTime uint64
	Comm      string
	Creds     types.CredInfo
	Tty       *Tty
	Argv      []string
	Env       []string
	// ExitCode is the raw task exit_code word.
	ExitCode uint32
	// NoMm leaves task->mm NULL like a kernel thread.
	NoMm bool
}

// Task is a task_struct allocated in the kernel space.
type Task struct {
	Addr kmem.Addr
	Tid  uint32
	Tgid uint32
	Spec TaskSpec

	mem []byte
}

// Kthreadd creates the kernel thread supervisor, pid 2.
func (k *Kernel) Kthreadd() *Task {
	return k.NewTask(TaskSpec{Tid: extract.KthreaddPid, Comm: "kthreadd", NoMm: true})
}

// NewTask allocates a task together with its signal, cred, mm, pid and tty
// objects.
func (k *Kernel) NewTask(spec TaskSpec) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := &k.Layout
	if spec.Tgid == 0 {
		spec.Tgid = spec.Tid
	}
	addr, mem := k.Space.AllocKernel(span(taskSize(l), l.Task.Comm+taskCommLen))
	t := &Task{Addr: addr, Tid: spec.Tid, Tgid: spec.Tgid, Spec: spec, mem: mem}

	put32(mem, l.Task.Pid, spec.Tid)
	put32(mem, l.Task.Tgid, spec.Tgid)
	put32(mem, l.Task.ExitCode, spec.ExitCode)
	put64(mem, l.Task.StartTime, spec.StartTime)
	copy(mem[l.Task.Comm:l.Task.Comm+taskCommLen-1], spec.Comm)

	leader := addr
	if spec.Leader != nil {
		leader = spec.Leader.Addr
	}
	putPtr(mem, l.Task.GroupLeader, leader)

	parent := addr
	if spec.Parent != nil {
		parent = spec.Parent.Addr
	} else if k.swapper != nil {
		parent = k.swapper.Addr
	}
	putPtr(mem, l.Task.RealParent, parent)

	putPtr(mem, l.Task.Signal, k.newSignal(spec))
	putPtr(mem, l.Task.Cred, k.newCred(spec.Creds))
	if !spec.NoMm {
		putPtr(mem, l.Task.Mm, k.newMm(spec.Argv, spec.Env))
	}
	return t
}

// SetExitCode updates the raw exit_code word of t.
func (k *Kernel) SetExitCode(t *Task, code uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	put32(t.mem, k.Layout.Task.ExitCode, code)
}

func (k *Kernel) newPid(nr uint32) kmem.Addr {
	addr, mem := k.Space.AllocKernel(int(k.Layout.Pid.NumbersNr) + 4)
	put32(mem, k.Layout.Pid.NumbersNr, nr)
	return addr
}

func (k *Kernel) newSignal(spec TaskSpec) kmem.Addr {
	l := &k.Layout
	addr, mem := k.Space.AllocKernel(span(l.Signal.PidsPgid, l.Signal.PidsSid, l.Signal.Tty) + kmem.PtrSize)
	putPtr(mem, l.Signal.PidsPgid, k.newPid(spec.Pgid))
	putPtr(mem, l.Signal.PidsSid, k.newPid(spec.Sid))
	if spec.Tty != nil {
		putPtr(mem, l.Signal.Tty, k.newTty(*spec.Tty))
	}
	return addr
}

func (k *Kernel) newTty(tty Tty) kmem.Addr {
	l := &k.Layout
	drv, dmem := k.Space.AllocKernel(span(l.TtyDriver.Major, l.TtyDriver.MinorStart) + 4)
	put32(dmem, l.TtyDriver.Major, tty.Major)
	put32(dmem, l.TtyDriver.MinorStart, tty.MinorStart)

	addr, mem := k.Space.AllocKernel(span(l.Tty.Driver, l.Tty.Index) + kmem.PtrSize)
	putPtr(mem, l.Tty.Driver, drv)
	put32(mem, l.Tty.Index, tty.Index)
	return addr
}

func (k *Kernel) newCred(c types.CredInfo) kmem.Addr {
	l := &k.Layout.Cred
	addr, mem := k.Space.AllocKernel(span(l.Uid, l.Gid, l.Suid, l.Sgid, l.Euid, l.Egid) + 4)
	put32(mem, l.Uid, c.Ruid)
	put32(mem, l.Gid, c.Rgid)
	put32(mem, l.Euid, c.Euid)
	put32(mem, l.Egid, c.Egid)
	put32(mem, l.Suid, c.Suid)
	put32(mem, l.Sgid, c.Sgid)
	return addr
}

func (k *Kernel) newMm(argv, env []string) kmem.Addr {
	l := &k.Layout.Mm
	addr, mem := k.Space.AllocKernel(span(l.ArgStart, l.ArgEnd, l.EnvStart, l.EnvEnd) + 8)
	start, end := k.userStrings(argv)
	put64(mem, l.ArgStart, uint64(start))
	put64(mem, l.ArgEnd, uint64(end))
	start, end = k.userStrings(env)
	put64(mem, l.EnvStart, uint64(start))
	put64(mem, l.EnvEnd, uint64(end))
	return addr
}

// userStrings stores strs NUL-terminated and back to back in user memory.
func (k *Kernel) userStrings(strs []string) (kmem.Addr, kmem.Addr) {
	if len(strs) == 0 {
		return 0, 0
	}
	blob := strings.Join(strs, "\x00") + "\x00"
	addr, mem := k.Space.AllocUser(len(blob))
	copy(mem, blob)
	return addr, addr + kmem.Addr(len(blob))
}

func (k *Kernel) kernelString(s string) kmem.Addr {
	addr, mem := k.Space.AllocKernel(len(s) + 1)
	copy(mem, s)
	return addr
}

// NewBprm allocates a linux_binprm for an exec of filename with envc
// environment variables.
func (k *Kernel) NewBprm(filename string, envc uint32) kmem.Addr {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := &k.Layout.Binprm
	addr, mem := k.Space.AllocKernel(span(l.Filename, l.Envc) + kmem.PtrSize)
	putPtr(mem, l.Filename, k.kernelString(filename))
	put32(mem, l.Envc, envc)
	return addr
}

// SockSpec describes a socket to create.
type SockSpec struct {
	Family   uint16
	Protocol uint16
	Saddr    net.IP
	Daddr    net.IP
	Sport    uint16
	Dport    uint16
	Netns    uint32
	// Truncate, when non-zero, maps only the first Truncate bytes of the
	// sock so later fields are unreadable.
	Truncate int
	// NetUnmapped points skc_net at unmapped memory.
	NetUnmapped bool
}

// NewSock allocates a struct sock. Ports are stored in network byte order.
func (k *Kernel) NewSock(spec SockSpec) kmem.Addr {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := &k.Layout.Sock
	size := span(l.Family, l.RcvSaddr, l.Daddr, l.V6RcvSaddr, l.V6Daddr, l.Dport, l.Net, l.Protocol, l.InetSport) + 16
	mem := make([]byte, size)

	binary.LittleEndian.PutUint16(mem[l.Family:], spec.Family)
	binary.LittleEndian.PutUint16(mem[l.Protocol:], spec.Protocol)
	binary.BigEndian.PutUint16(mem[l.InetSport:], spec.Sport)
	binary.BigEndian.PutUint16(mem[l.Dport:], spec.Dport)
	if v4 := spec.Saddr.To4(); v4 != nil && spec.Family == AFInet {
		copy(mem[l.RcvSaddr:], v4)
	} else {
		copy(mem[l.V6RcvSaddr:l.V6RcvSaddr+16], spec.Saddr.To16())
	}
	if v4 := spec.Daddr.To4(); v4 != nil && spec.Family == AFInet {
		copy(mem[l.Daddr:], v4)
	} else {
		copy(mem[l.V6Daddr:l.V6Daddr+16], spec.Daddr.To16())
	}
	if spec.NetUnmapped {
		putPtr(mem, l.Net, kmem.KernelBase-0x100000)
	} else {
		putPtr(mem, l.Net, k.net(spec.Netns))
	}

	if spec.Truncate > 0 && spec.Truncate < len(mem) {
		mem = mem[:spec.Truncate]
	}
	addr, region := k.Space.AllocKernel(len(mem))
	copy(region, mem)
	return addr
}

func (k *Kernel) net(inum uint32) kmem.Addr {
	if addr, ok := k.netns[inum]; ok {
		return addr
	}
	addr, mem := k.Space.AllocKernel(int(k.Layout.Net.NsInum) + 4)
	put32(mem, k.Layout.Net.NsInum, inum)
	k.netns[inum] = addr
	return addr
}

// Dentry returns the dentry of an absolute path, creating every missing
// component. The root dentry is its own parent.
func (k *Kernel) Dentry(path string) kmem.Addr {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.root == 0 {
		k.root = k.newDentry("/", 0)
	}
	cur, prefix := k.root, ""
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		prefix += "/" + name
		if d, ok := k.dirs[prefix]; ok {
			cur = d
			continue
		}
		cur = k.newDentry(name, cur)
		k.dirs[prefix] = cur
	}
	return cur
}

func (k *Kernel) newDentry(name string, parent kmem.Addr) kmem.Addr {
	l := &k.Layout.Dentry
	addr, mem := k.Space.AllocKernel(span(l.Parent, l.NameName) + kmem.PtrSize)
	if parent == 0 {
		parent = addr
	}
	putPtr(mem, l.Parent, parent)
	putPtr(mem, l.NameName, k.kernelString(name))
	return addr
}

func taskSize(l *extract.Layout) uint64 {
	t := &l.Task
	return uint64(span(t.Pid, t.Tgid, t.GroupLeader, t.RealParent, t.Signal, t.Cred, t.Mm, t.StartTime, t.ExitCode) + 8)
}

// span returns one past the largest offset.
func span(offs ...uint64) int {
	var m uint64
	for _, o := range offs {
		if o > m {
			m = o
		}
	}
	return int(m)
}

func put32(b []byte, off uint64, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func put64(b []byte, off uint64, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func putPtr(b []byte, off uint64, v kmem.Addr) { put64(b, off, uint64(v)) }
