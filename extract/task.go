package extract

import (
	"fmt"

	"github.com/jnesss/eventstrace/kmem"
	"github.com/jnesss/eventstrace/types"
)

// PidInfo fills pi from task. The parent, process group, session and start
// time are taken from the thread group leader so every thread of a process
// reports the same values.
func PidInfo(r kmem.Reader, l *Layout, task kmem.Addr, pi *types.PidInfo) error {
	var out types.PidInfo
	var err error

	if out.Tid, err = kmem.U32(r, task+kmem.Addr(l.Task.Pid)); err != nil {
		return fmt.Errorf("task pid: %w", err)
	}
	if out.Tgid, err = kmem.U32(r, task+kmem.Addr(l.Task.Tgid)); err != nil {
		return fmt.Errorf("task tgid: %w", err)
	}
	if out.Ppid, err = Ppid(r, l, task); err != nil {
		return err
	}
	if out.Pgid, err = kmem.ChainU32(r, task, l.Task.GroupLeader, l.Task.Signal, l.Signal.PidsPgid, l.Pid.NumbersNr); err != nil {
		return fmt.Errorf("task pgid: %w", err)
	}
	if out.Sid, err = kmem.ChainU32(r, task, l.Task.GroupLeader, l.Task.Signal, l.Signal.PidsSid, l.Pid.NumbersNr); err != nil {
		return fmt.Errorf("task sid: %w", err)
	}
	if out.StartTimeNs, err = kmem.ChainU64(r, task, l.Task.GroupLeader, l.Task.StartTime); err != nil {
		return fmt.Errorf("task start time: %w", err)
	}
	*pi = out
	return nil
}

// Ppid returns the thread group id of the real parent of task's group leader.
func Ppid(r kmem.Reader, l *Layout, task kmem.Addr) (uint32, error) {
	ppid, err := kmem.ChainU32(r, task, l.Task.GroupLeader, l.Task.RealParent, l.Task.Tgid)
	if err != nil {
		return 0, fmt.Errorf("task ppid: %w", err)
	}
	return ppid, nil
}

// Tgid returns the thread group id of task.
func Tgid(r kmem.Reader, l *Layout, task kmem.Addr) (uint32, error) {
	return kmem.U32(r, task+kmem.Addr(l.Task.Tgid))
}

// IsKernelThread reports whether task descends directly from kthreadd.
func IsKernelThread(r kmem.Reader, l *Layout, task kmem.Addr) (bool, error) {
	ppid, err := Ppid(r, l, task)
	if err != nil {
		return false, err
	}
	return ppid == KthreaddPid, nil
}

// IsThreadGroupLeader reports whether task's thread id equals its thread
// group id.
func IsThreadGroupLeader(r kmem.Reader, l *Layout, task kmem.Addr) (bool, error) {
	pid, err := kmem.U32(r, task+kmem.Addr(l.Task.Pid))
	if err != nil {
		return false, err
	}
	tgid, err := kmem.U32(r, task+kmem.Addr(l.Task.Tgid))
	if err != nil {
		return false, err
	}
	return pid == tgid, nil
}

// CredInfo fills ci from the credentials of task.
func CredInfo(r kmem.Reader, l *Layout, task kmem.Addr, ci *types.CredInfo) error {
	cred, err := kmem.Ptr(r, task+kmem.Addr(l.Task.Cred))
	if err != nil {
		return fmt.Errorf("task cred: %w", err)
	}
	if cred == 0 {
		return fmt.Errorf("task cred: %w", kmem.ErrNullPointer)
	}

	var out types.CredInfo
	fields := []struct {
		dst *uint32
		off uint64
	}{
		{&out.Ruid, l.Cred.Uid},
		{&out.Rgid, l.Cred.Gid},
		{&out.Euid, l.Cred.Euid},
		{&out.Egid, l.Cred.Egid},
		{&out.Suid, l.Cred.Suid},
		{&out.Sgid, l.Cred.Sgid},
	}
	for _, f := range fields {
		if *f.dst, err = kmem.U32(r, cred+kmem.Addr(f.off)); err != nil {
			return fmt.Errorf("cred field at %#x: %w", f.off, err)
		}
	}
	*ci = out
	return nil
}

// Ctty fills tty with the controlling terminal of task. A task without a
// terminal yields the zero device.
func Ctty(r kmem.Reader, l *Layout, task kmem.Addr, tty *types.TtyDev) error {
	*tty = types.TtyDev{}
	ttyp, err := kmem.ChainPtr(r, task, l.Task.Signal, l.Signal.Tty)
	if err != nil {
		return fmt.Errorf("task tty: %w", err)
	}
	if ttyp == 0 {
		return nil
	}
	major, err := kmem.ChainU32(r, ttyp, l.Tty.Driver, l.TtyDriver.Major)
	if err != nil {
		return fmt.Errorf("tty driver major: %w", err)
	}
	minorStart, err := kmem.ChainU32(r, ttyp, l.Tty.Driver, l.TtyDriver.MinorStart)
	if err != nil {
		return fmt.Errorf("tty driver minor_start: %w", err)
	}
	index, err := kmem.U32(r, ttyp+kmem.Addr(l.Tty.Index))
	if err != nil {
		return fmt.Errorf("tty index: %w", err)
	}
	tty.Major = uint16(major)
	tty.Minor = uint16(minorStart + index)
	return nil
}

// Comm copies the short task name into buf. buf is always terminated.
func Comm(r kmem.Reader, l *Layout, task kmem.Addr, buf []byte) error {
	_, err := kmem.ReadKernelString(r, buf, task+kmem.Addr(l.Task.Comm))
	return err
}

// ExitCode returns the exit status of an exiting task as passed to exit(2).
func ExitCode(r kmem.Reader, l *Layout, task kmem.Addr) (int32, error) {
	code, err := kmem.U32(r, task+kmem.Addr(l.Task.ExitCode))
	if err != nil {
		return 0, err
	}
	return int32((code >> 8) & 0xff), nil
}
