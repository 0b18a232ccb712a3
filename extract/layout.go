// Package extract populates the substructures of event records from live
// kernel state. Every extractor reads through a kmem.Reader and locates
// fields with a Layout, because kernel struct offsets differ between builds.
package extract

// Linux constants the extractors compare against.
const (
	afInet     = 2
	afInet6    = 10
	ipprotoTCP = 6

	// KthreaddPid is the pid of the kernel-thread supervisor; every kernel
	// thread is its child.
	KthreaddPid = 2
)

// Layout holds byte offsets of the kernel struct fields the extractors
// read. Offsets are relative to the start of the containing struct.
type Layout struct {
	Task      TaskLayout      `yaml:"task_struct"`
	Signal    SignalLayout    `yaml:"signal_struct"`
	Pid       PidLayout       `yaml:"pid"`
	Cred      CredLayout      `yaml:"cred"`
	Mm        MmLayout        `yaml:"mm_struct"`
	Tty       TtyLayout       `yaml:"tty_struct"`
	TtyDriver TtyDriverLayout `yaml:"tty_driver"`
	Binprm    BinprmLayout    `yaml:"linux_binprm"`
	Sock      SockLayout      `yaml:"sock"`
	Net       NetLayout       `yaml:"net"`
	Dentry    DentryLayout    `yaml:"dentry"`
}

// TaskLayout locates task_struct fields.
type TaskLayout struct {
	Pid         uint64 `yaml:"pid"`
	Tgid        uint64 `yaml:"tgid"`
	GroupLeader uint64 `yaml:"group_leader"`
	RealParent  uint64 `yaml:"real_parent"`
	Signal      uint64 `yaml:"signal"`
	Cred        uint64 `yaml:"cred"`
	Mm          uint64 `yaml:"mm"`
	StartTime   uint64 `yaml:"start_time"`
	Comm        uint64 `yaml:"comm"`
	ExitCode    uint64 `yaml:"exit_code"`
}

// SignalLayout locates signal_struct fields. PidsPgid and PidsSid are the
// pids[PIDTYPE_PGID] and pids[PIDTYPE_SID] pointers.
type SignalLayout struct {
	PidsPgid uint64 `yaml:"pids_pgid"`
	PidsSid  uint64 `yaml:"pids_sid"`
	Tty      uint64 `yaml:"tty"`
}

// PidLayout locates numbers[0].nr in struct pid.
type PidLayout struct {
	NumbersNr uint64 `yaml:"numbers_nr"`
}

// CredLayout locates the id fields of struct cred.
type CredLayout struct {
	Uid  uint64 `yaml:"uid"`
	Gid  uint64 `yaml:"gid"`
	Suid uint64 `yaml:"suid"`
	Sgid uint64 `yaml:"sgid"`
	Euid uint64 `yaml:"euid"`
	Egid uint64 `yaml:"egid"`
}

// MmLayout locates the argument and environment ranges of mm_struct.
type MmLayout struct {
	ArgStart uint64 `yaml:"arg_start"`
	ArgEnd   uint64 `yaml:"arg_end"`
	EnvStart uint64 `yaml:"env_start"`
	EnvEnd   uint64 `yaml:"env_end"`
}

// TtyLayout locates tty_struct fields.
type TtyLayout struct {
	Driver uint64 `yaml:"driver"`
	Index  uint64 `yaml:"index"`
}

// TtyDriverLayout locates tty_driver fields.
type TtyDriverLayout struct {
	Major      uint64 `yaml:"major"`
	MinorStart uint64 `yaml:"minor_start"`
}

// BinprmLayout locates linux_binprm fields.
type BinprmLayout struct {
	Filename uint64 `yaml:"filename"`
	Envc     uint64 `yaml:"envc"`
}

// SockLayout locates struct sock fields, including the sock_common
// header at its start and the inet_sock view.
type SockLayout struct {
	Family     uint64 `yaml:"skc_family"`
	RcvSaddr   uint64 `yaml:"skc_rcv_saddr"`
	Daddr      uint64 `yaml:"skc_daddr"`
	V6RcvSaddr uint64 `yaml:"skc_v6_rcv_saddr"`
	V6Daddr    uint64 `yaml:"skc_v6_daddr"`
	Dport      uint64 `yaml:"skc_dport"`
	Net        uint64 `yaml:"skc_net"`
	Protocol   uint64 `yaml:"sk_protocol"`
	InetSport  uint64 `yaml:"inet_sport"`
}

// NetLayout locates ns.inum in struct net.
type NetLayout struct {
	NsInum uint64 `yaml:"ns_inum"`
}

// DentryLayout locates d_parent and d_name.name in struct dentry.
type DentryLayout struct {
	Parent   uint64 `yaml:"d_parent"`
	NameName uint64 `yaml:"d_name_name"`
}

// DefaultLayout returns offsets of an x86_64 6.x kernel built with the
// common distribution config.
func DefaultLayout() Layout {
	return Layout{
		Task: TaskLayout{
			Pid:         0x5c8,
			Tgid:        0x5cc,
			GroupLeader: 0x5f8,
			RealParent:  0x5d8,
			Signal:      0x7d0,
			Cred:        0x778,
			Mm:          0x4f0,
			StartTime:   0x698,
			Comm:        0x788,
			ExitCode:    0x568,
		},
		Signal:    SignalLayout{PidsPgid: 0x168, PidsSid: 0x170, Tty: 0x1d0},
		Pid:       PidLayout{NumbersNr: 0x60},
		Cred:      CredLayout{Uid: 0x08, Gid: 0x0c, Suid: 0x10, Sgid: 0x14, Euid: 0x18, Egid: 0x1c},
		Mm:        MmLayout{ArgStart: 0x130, ArgEnd: 0x138, EnvStart: 0x140, EnvEnd: 0x148},
		Tty:       TtyLayout{Driver: 0x10, Index: 0x20},
		TtyDriver: TtyDriverLayout{Major: 0x24, MinorStart: 0x28},
		Binprm:    BinprmLayout{Filename: 0x60, Envc: 0x5c},
		Sock: SockLayout{
			Daddr:      0x00,
			RcvSaddr:   0x04,
			Dport:      0x0c,
			Family:     0x10,
			Net:        0x30,
			V6Daddr:    0x38,
			V6RcvSaddr: 0x48,
			Protocol:   0x204,
			InetSport:  0x30e,
		},
		Net:    NetLayout{NsInum: 0xb0},
		Dentry: DentryLayout{Parent: 0x18, NameName: 0x28},
	}
}
