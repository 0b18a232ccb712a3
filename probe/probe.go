// Package probe holds the event populators: one hook per observed kernel
// occurrence. Each hook composes the extractors into a complete record and
// submits it to the ring in a single commit, or submits nothing.
package probe

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jnesss/eventstrace/extract"
	"github.com/jnesss/eventstrace/kmem"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/ring"
	"github.com/jnesss/eventstrace/types"
)

// maxErrno mirrors MAX_ERRNO from linux/err.h.
const maxErrno = 4095

// Output receives complete encoded records. *ring.Ring satisfies it.
type Output interface {
	Output(data []byte) error
}

// Config is the load-time configuration shared by every hook.
type Config struct {
	// ConsumerPid is the thread group whose own activity is not captured.
	// Zero disables the self-filter.
	ConsumerPid uint32
	// Events enables populators by event type.
	Events types.EventType
	// SkipKernelThreads suppresses fork records of kernel threads.
	SkipKernelThreads bool
	Env               extract.EnvFilter
	PathMaxDepth      int
}

// Stats counts hook outcomes.
type Stats struct {
	Submitted uint64
	Filtered  uint64
	Failed    uint64
	Dropped   uint64
	// Partial counts submitted records with at least one best-effort
	// field left empty by a failed read.
	Partial uint64
}

// Probes is the set of populators bound to one memory reader, layout,
// argument locator and output.
type Probes struct {
	cfg    Config
	mem    kmem.Reader
	layout extract.Layout
	loc    *locator.Locator
	out    Output
	now    func() uint64

	submitted atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	partial   atomic.Uint64
}

// New binds the populators. now returns the monotonic capture time in
// nanoseconds.
func New(cfg Config, mem kmem.Reader, layout extract.Layout, loc *locator.Locator, out Output, now func() uint64) *Probes {
	return &Probes{cfg: cfg, mem: mem, layout: layout, loc: loc, out: out, now: now}
}

// Stats returns a snapshot of the hook counters.
func (p *Probes) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Filtered:  p.filtered.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Partial:   p.partial.Load(),
	}
}

// enabled reports whether t is requested and cur is not the consumer.
func (p *Probes) enabled(t types.EventType, cur kmem.Addr) (bool, error) {
	if !p.cfg.Events.Has(t) {
		return false, nil
	}
	if p.cfg.ConsumerPid == 0 {
		return true, nil
	}
	tgid, err := extract.Tgid(p.mem, &p.layout, cur)
	if err != nil {
		return false, p.fail(fmt.Errorf("current tgid: %w", err))
	}
	if tgid == p.cfg.ConsumerPid {
		p.filtered.Add(1)
		return false, nil
	}
	return true, nil
}

func (p *Probes) fail(err error) error {
	p.failed.Add(1)
	return err
}

func (p *Probes) skip() error {
	p.filtered.Add(1)
	return nil
}

func (p *Probes) submit(evt types.Event) error {
	evt.EventHeader().Ts = p.now()
	raw, err := types.Encode(evt)
	if err != nil {
		return p.fail(err)
	}
	if err := p.out.Output(raw); err != nil {
		if errors.Is(err, ring.ErrNoSpace) || errors.Is(err, ring.ErrTooLarge) {
			p.dropped.Add(1)
		}
		return err
	}
	p.submitted.Add(1)
	return nil
}

// SchedProcessFork runs on the sched_process_fork tracepoint. Thread
// creation and, if configured, kernel threads produce no record.
func (p *Probes) SchedProcessFork(parent, child kmem.Addr) error {
	if ok, err := p.enabled(types.EventProcessFork, parent); !ok {
		return err
	}
	l := &p.layout
	leader, err := extract.IsThreadGroupLeader(p.mem, l, child)
	if err != nil {
		return p.fail(err)
	}
	if !leader {
		return p.skip()
	}
	if p.cfg.SkipKernelThreads {
		kthread, err := extract.IsKernelThread(p.mem, l, child)
		if err != nil {
			return p.fail(err)
		}
		if kthread {
			return p.skip()
		}
	}

	evt := types.ProcessForkEvent{Header: types.Header{Type: types.EventProcessFork}}
	if err := extract.PidInfo(p.mem, l, parent, &evt.ParentPids); err != nil {
		return p.fail(fmt.Errorf("fork parent: %w", err))
	}
	if err := extract.PidInfo(p.mem, l, child, &evt.ChildPids); err != nil {
		return p.fail(fmt.Errorf("fork child: %w", err))
	}
	return p.submit(&evt)
}

// SchedProcessExec runs on the sched_process_exec tracepoint. The terminal,
// filename, argument and environment captures are best effort; a failed
// read leaves that buffer empty.
func (p *Probes) SchedProcessExec(cur, bprm kmem.Addr) error {
	if ok, err := p.enabled(types.EventProcessExec, cur); !ok {
		return err
	}
	l := &p.layout
	evt := types.ProcessExecEvent{Header: types.Header{Type: types.EventProcessExec}}
	if err := extract.PidInfo(p.mem, l, cur, &evt.Pids); err != nil {
		return p.fail(fmt.Errorf("exec: %w", err))
	}
	if err := extract.CredInfo(p.mem, l, cur, &evt.Creds); err != nil {
		return p.fail(fmt.Errorf("exec: %w", err))
	}
	partial := errors.Join(
		extract.Ctty(p.mem, l, cur, &evt.Ctty),
		extract.Filename(p.mem, l, bprm, evt.Filename[:]),
		extract.Argv(p.mem, l, cur, evt.Argv[:]),
		extract.Env(p.mem, l, cur, bprm, p.cfg.Env, evt.Env[:]),
	)
	if err := p.submit(&evt); err != nil {
		return err
	}
	if partial != nil {
		p.partial.Add(1)
	}
	return nil
}

// SchedProcessExit runs on the sched_process_exit tracepoint. Only the exit
// of a thread group leader is reported.
func (p *Probes) SchedProcessExit(cur kmem.Addr) error {
	if ok, err := p.enabled(types.EventProcessExit, cur); !ok {
		return err
	}
	l := &p.layout
	leader, err := extract.IsThreadGroupLeader(p.mem, l, cur)
	if err != nil {
		return p.fail(err)
	}
	if !leader {
		return p.skip()
	}
	evt := types.ProcessExitEvent{Header: types.Header{Type: types.EventProcessExit}}
	if err := extract.PidInfo(p.mem, l, cur, &evt.Pids); err != nil {
		return p.fail(fmt.Errorf("exit: %w", err))
	}
	if evt.ExitCode, err = extract.ExitCode(p.mem, l, cur); err != nil {
		return p.fail(fmt.Errorf("exit code: %w", err))
	}
	return p.submit(&evt)
}

// KsysSetsidExit runs on return from ksys_setsid. A failed call produces no
// record.
func (p *Probes) KsysSetsidExit(cur kmem.Addr, ctx *locator.Context) error {
	if ok, err := p.enabled(types.EventProcessSetsid, cur); !ok {
		return err
	}
	rc, err := p.intRet(FuncKsysSetsid, ctx)
	if err != nil {
		return p.fail(err)
	}
	if rc < 0 {
		return p.skip()
	}
	evt := types.ProcessSetsidEvent{Header: types.Header{Type: types.EventProcessSetsid}}
	if err := extract.PidInfo(p.mem, &p.layout, cur, &evt.Pids); err != nil {
		return p.fail(fmt.Errorf("setsid: %w", err))
	}
	return p.submit(&evt)
}

// VfsUnlinkExit runs on return from vfs_unlink. For kretprobe attachment the
// caller supplies the argument registers saved at function entry.
func (p *Probes) VfsUnlinkExit(cur kmem.Addr, ctx *locator.Context) error {
	if ok, err := p.enabled(types.EventFileDelete, cur); !ok {
		return err
	}
	rc, err := p.intRet(FuncVfsUnlink, ctx)
	if err != nil {
		return p.fail(err)
	}
	if rc != 0 {
		return p.skip()
	}
	dentry, err := p.loc.Arg(FuncVfsUnlink, "dentry", ctx)
	if err != nil {
		return p.fail(err)
	}

	l := &p.layout
	evt := types.FileDeleteEvent{Header: types.Header{Type: types.EventFileDelete}}
	if err := extract.PidInfo(p.mem, l, cur, &evt.Pids); err != nil {
		return p.fail(fmt.Errorf("unlink: %w", err))
	}
	if err := extract.Path(p.mem, l, kmem.Addr(dentry), p.cfg.PathMaxDepth, &evt.Path); err != nil {
		return p.fail(fmt.Errorf("unlink path: %w", err))
	}
	return p.submit(&evt)
}

// TCPConnectExit runs on return from tcp_v4_connect or tcp_v6_connect,
// named by fn. A failed connect produces no record.
func (p *Probes) TCPConnectExit(fn string, cur kmem.Addr, ctx *locator.Context) error {
	if ok, err := p.enabled(types.EventNetworkConnectionAttempted, cur); !ok {
		return err
	}
	rc, err := p.intRet(fn, ctx)
	if err != nil {
		return p.fail(err)
	}
	if rc != 0 {
		return p.skip()
	}
	sk, err := p.loc.Arg(fn, "sk", ctx)
	if err != nil {
		return p.fail(err)
	}
	return p.network(types.EventNetworkConnectionAttempted, cur, kmem.Addr(sk))
}

// InetCskAcceptExit runs on return from inet_csk_accept, whose return value
// is the accepted socket.
func (p *Probes) InetCskAcceptExit(cur kmem.Addr, ctx *locator.Context) error {
	if ok, err := p.enabled(types.EventNetworkConnectionAccepted, cur); !ok {
		return err
	}
	sk, err := p.loc.Ret(FuncInetCskAccept, ctx)
	if err != nil {
		return p.fail(err)
	}
	if isErrOrNull(sk) {
		return p.skip()
	}
	return p.network(types.EventNetworkConnectionAccepted, cur, kmem.Addr(sk))
}

// TCPCloseEntry runs on entry to tcp_close.
func (p *Probes) TCPCloseEntry(cur kmem.Addr, ctx *locator.Context) error {
	if ok, err := p.enabled(types.EventNetworkConnectionClosed, cur); !ok {
		return err
	}
	sk, err := p.loc.Arg(FuncTCPClose, "sk", ctx)
	if err != nil {
		return p.fail(err)
	}
	return p.network(types.EventNetworkConnectionClosed, cur, kmem.Addr(sk))
}

// network fills a NetworkEvent for sk. Nothing is submitted unless every
// field was read.
func (p *Probes) network(t types.EventType, cur, sk kmem.Addr) error {
	l := &p.layout
	evt := types.NetworkEvent{Header: types.Header{Type: t}}
	if err := extract.Sock(p.mem, l, sk, &evt.Net); err != nil {
		return p.fail(err)
	}
	if err := extract.PidInfo(p.mem, l, cur, &evt.Pids); err != nil {
		return p.fail(fmt.Errorf("network: %w", err))
	}
	if err := extract.Comm(p.mem, l, cur, evt.Comm[:]); err != nil {
		return p.fail(fmt.Errorf("network comm: %w", err))
	}
	return p.submit(&evt)
}

// intRet resolves a C int return value.
func (p *Probes) intRet(fn string, ctx *locator.Context) (int32, error) {
	v, err := p.loc.Ret(fn, ctx)
	if err != nil {
		return 0, err
	}
	return int32(uint32(v)), nil
}

func isErrOrNull(ptr uint64) bool {
	return ptr == 0 || ptr >= ^uint64(maxErrno-1)
}
