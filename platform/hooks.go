// Package platform attaches the compiled probe object to the running kernel.
// Records arrive through an events.Source backed by the object's ring buffer
// map.
package platform

import (
	"errors"

	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/types"
)

// ErrNotSupported is returned by Attach on platforms without eBPF.
var ErrNotSupported = errors.New("platform: eBPF capture requires Linux")

// Names of the objects the probe object must declare.
const (
	RingMapName        = "ringbuf"
	ConsumerPidVarName = "consumer_pid"
)

// AttachKind is the program type of one attachment.
type AttachKind uint8

const (
	AttachTracepoint AttachKind = iota
	AttachFentry
	AttachFexit
	AttachKprobe
	AttachKretprobe
)

func (k AttachKind) String() string {
	switch k {
	case AttachTracepoint:
		return "tracepoint"
	case AttachFentry:
		return "fentry"
	case AttachFexit:
		return "fexit"
	case AttachKprobe:
		return "kprobe"
	case AttachKretprobe:
		return "kretprobe"
	default:
		return "unknown"
	}
}

// Attachment is one program of the probe object and where it attaches.
type Attachment struct {
	Kind    AttachKind
	Program string
	// Group is the tracepoint group. Target is the tracepoint or the
	// kernel function name.
	Group  string
	Target string
	// Optional attachments only warn when they fail.
	Optional bool
}

type hook struct {
	events types.EventType
	group  string
	target string
	// exit hooks run on function return, entry hooks on function entry.
	exit bool
}

var hooks = []hook{
	{events: types.EventProcessFork, group: "sched", target: "sched_process_fork"},
	{events: types.EventProcessExec, group: "sched", target: "sched_process_exec"},
	{events: types.EventProcessExit, group: "sched", target: "sched_process_exit"},
	{events: types.EventProcessSetsid, target: probe.FuncKsysSetsid, exit: true},
	{events: types.EventFileDelete, target: probe.FuncVfsUnlink, exit: true},
	{events: types.EventNetworkConnectionAttempted, target: probe.FuncTCPV4Connect, exit: true},
	{events: types.EventNetworkConnectionAttempted, target: probe.FuncTCPV6Connect, exit: true},
	{events: types.EventNetworkConnectionAccepted, target: probe.FuncInetCskAccept, exit: true},
	{events: types.EventNetworkConnectionClosed, target: probe.FuncTCPClose},
}

// ProgramName returns the program name the probe object uses for kind
// attached at target.
func ProgramName(kind AttachKind, target string) string {
	return kind.String() + "__" + target
}

// Attachments selects the programs needed for mask. Tracepoints are
// required; kernel function hooks are optional since a function may be
// absent or inlined on a given kernel. In kprobe mode an exit hook whose
// function arguments are needed also gets an entry program that saves them.
func Attachments(mask types.EventType, mode locator.Mode) []Attachment {
	wants := probe.Wants()
	var out []Attachment
	for _, h := range hooks {
		if !mask.Has(h.events) {
			continue
		}
		if h.group != "" {
			out = append(out, Attachment{
				Kind:    AttachTracepoint,
				Program: ProgramName(AttachTracepoint, h.target),
				Group:   h.group,
				Target:  h.target,
			})
			continue
		}

		var kinds []AttachKind
		switch {
		case mode == locator.ModeTrampoline && h.exit:
			kinds = []AttachKind{AttachFexit}
		case mode == locator.ModeTrampoline:
			kinds = []AttachKind{AttachFentry}
		case h.exit && len(wants[h.target].Args) > 0:
			kinds = []AttachKind{AttachKprobe, AttachKretprobe}
		case h.exit:
			kinds = []AttachKind{AttachKretprobe}
		default:
			kinds = []AttachKind{AttachKprobe}
		}
		for _, k := range kinds {
			out = append(out, Attachment{Kind: k, Program: ProgramName(k, h.target), Target: h.target, Optional: true})
		}
	}
	return out
}
