// Package render writes decoded records as one JSON object per line.
package render

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/types"
)

type pidInfo struct {
	Tid         uint32 `json:"tid"`
	Tgid        uint32 `json:"tgid"`
	Ppid        uint32 `json:"ppid"`
	Pgid        uint32 `json:"pgid"`
	Sid         uint32 `json:"sid"`
	StartTimeNs uint64 `json:"start_time_ns"`
}

func newPidInfo(p types.PidInfo) pidInfo {
	return pidInfo{Tid: p.Tid, Tgid: p.Tgid, Ppid: p.Ppid, Pgid: p.Pgid, Sid: p.Sid, StartTimeNs: p.StartTimeNs}
}

type credInfo struct {
	Ruid uint32 `json:"ruid"`
	Rgid uint32 `json:"rgid"`
	Euid uint32 `json:"euid"`
	Egid uint32 `json:"egid"`
	Suid uint32 `json:"suid"`
	Sgid uint32 `json:"sgid"`
}

type ttyDev struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

type netInfo struct {
	Transport          string `json:"transport"`
	Family             string `json:"family"`
	SourceAddress      string `json:"source_address"`
	SourcePort         uint16 `json:"source_port"`
	DestinationAddress string `json:"destination_address"`
	DestinationPort    uint16 `json:"destination_port"`
	NetNs              uint32 `json:"network_namespace"`
}

type forkRecord struct {
	EventType  string  `json:"event_type"`
	ParentPids pidInfo `json:"parent_pids"`
	ChildPids  pidInfo `json:"child_pids"`
}

type execRecord struct {
	EventType string   `json:"event_type"`
	Pids      pidInfo  `json:"pids"`
	Creds     credInfo `json:"creds"`
	Ruser     string   `json:"ruser,omitempty"`
	Ctty      ttyDev   `json:"ctty"`
	Filename  string   `json:"filename"`
	Argv      string   `json:"argv"`
	Env       string   `json:"env,omitempty"`
}

type exitRecord struct {
	EventType string  `json:"event_type"`
	Pids      pidInfo `json:"pids"`
	ExitCode  int32   `json:"exit_code"`
}

type pidsRecord struct {
	EventType string  `json:"event_type"`
	Pids      pidInfo `json:"pids"`
}

type fileDeleteRecord struct {
	EventType string  `json:"event_type"`
	Pids      pidInfo `json:"pid_info"`
	Path      string  `json:"path"`
}

type networkRecord struct {
	EventType string  `json:"event_type"`
	Pids      pidInfo `json:"pids"`
	Net       netInfo `json:"net"`
	Comm      string  `json:"comm"`
}

// Argv renders a NUL-delimited argument buffer as a space-separated line.
func Argv(buf []byte) string {
	return strings.TrimRight(strings.ReplaceAll(string(buf), "\x00", " "), " ")
}

// Path joins path components under a leading slash.
func Path(p *types.FilePath) string {
	return "/" + strings.Join(p.Segments(), "/")
}

// Options controls a Renderer.
type Options struct {
	// Unbuffered flushes after every line.
	Unbuffered bool
	// Users resolves real uids of exec records. Nil disables the lookup.
	Users *UserCache
}

// Renderer writes records to an io.Writer. It is safe for concurrent use.
type Renderer struct {
	mu   sync.Mutex
	w    *bufio.Writer
	enc  *json.Encoder
	opts Options
}

// New returns a Renderer writing to w.
func New(w io.Writer, opts Options) *Renderer {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Renderer{w: bw, enc: enc, opts: opts}
}

// Handler returns an events.Handler rendering every known record. Unknown
// event types are reported as errors.
func (r *Renderer) Handler() events.Handler {
	d := &events.Dispatcher{
		OnFork:       r.Fork,
		OnExec:       r.Exec,
		OnExit:       r.Exit,
		OnSetsid:     r.Setsid,
		OnFileDelete: r.FileDelete,
		OnNetwork:    r.Network,
		OnUnknown: func(rec events.Record) error {
			return fmt.Errorf("render: unknown event type %#x", uint64(rec.Type))
		},
	}
	return d.Handle
}

func (r *Renderer) Fork(e *types.ProcessForkEvent) error {
	return r.write(forkRecord{
		EventType:  e.Type.String(),
		ParentPids: newPidInfo(e.ParentPids),
		ChildPids:  newPidInfo(e.ChildPids),
	})
}

func (r *Renderer) Exec(e *types.ProcessExecEvent) error {
	rec := execRecord{
		EventType: e.Type.String(),
		Pids:      newPidInfo(e.Pids),
		Creds:     credInfo(e.Creds),
		Ctty:      ttyDev{Major: e.Ctty.Major, Minor: e.Ctty.Minor},
		Filename:  types.CString(e.Filename[:]),
		Argv:      Argv(e.Argv[:]),
		Env:       types.CString(e.Env[:]),
	}
	if r.opts.Users != nil {
		rec.Ruser = r.opts.Users.Lookup(e.Creds.Ruid)
	}
	return r.write(rec)
}

func (r *Renderer) Exit(e *types.ProcessExitEvent) error {
	return r.write(exitRecord{EventType: e.Type.String(), Pids: newPidInfo(e.Pids), ExitCode: e.ExitCode})
}

func (r *Renderer) Setsid(e *types.ProcessSetsidEvent) error {
	return r.write(pidsRecord{EventType: e.Type.String(), Pids: newPidInfo(e.Pids)})
}

func (r *Renderer) FileDelete(e *types.FileDeleteEvent) error {
	return r.write(fileDeleteRecord{EventType: e.Type.String(), Pids: newPidInfo(e.Pids), Path: Path(&e.Path)})
}

func (r *Renderer) Network(e *types.NetworkEvent) error {
	return r.write(networkRecord{
		EventType: e.Type.String(),
		Pids:      newPidInfo(e.Pids),
		Net: netInfo{
			Transport:          e.Net.Transport.String(),
			Family:             e.Net.Family.String(),
			SourceAddress:      e.Net.SourceIP().String(),
			SourcePort:         e.Net.Sport,
			DestinationAddress: e.Net.DestinationIP().String(),
			DestinationPort:    e.Net.Dport,
			NetNs:              e.Net.Netns,
		},
		Comm: types.CString(e.Comm[:]),
	})
}

// Line writes an arbitrary JSON object, such as a status message.
func (r *Renderer) Line(v any) error { return r.write(v) }

func (r *Renderer) write(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(v); err != nil {
		return err
	}
	if r.opts.Unbuffered {
		return r.w.Flush()
	}
	return nil
}

// Flush writes any buffered lines.
func (r *Renderer) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}
