package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/types"
)

func handle(t *testing.T, r *Renderer, evt types.Event) error {
	t.Helper()
	raw, err := types.Encode(evt)
	require.NoError(t, err)
	hdr, err := types.DecodeHeader(raw)
	require.NoError(t, err)
	return r.Handler()(events.Record{Header: hdr, Raw: raw})
}

func lines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var res []map[string]any
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		res = append(res, m)
	}
	return res
}

func TestArgv(t *testing.T) {
	assert.Equal(t, "ls -la /tmp", Argv([]byte("ls\x00-la\x00/tmp\x00\x00\x00")))
	assert.Equal(t, "", Argv(make([]byte, 8)))
	assert.Equal(t, "a  b", Argv([]byte("a\x00\x00b")))
}

func TestPath(t *testing.T) {
	var p types.FilePath
	assert.Equal(t, "/", Path(&p))
	for i, seg := range []string{"tmp", "cache", "x.tmp"} {
		copy(p.Components[i][:], seg)
	}
	p.Len = 3
	assert.Equal(t, "/tmp/cache/x.tmp", Path(&p))
}

func TestRenderProcessEvents(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, Options{Unbuffered: true})

	fork := &types.ProcessForkEvent{
		ParentPids: types.PidInfo{Tid: 1, Tgid: 1, Sid: 1, Pgid: 1, StartTimeNs: 5},
		ChildPids:  types.PidInfo{Tid: 42, Tgid: 42, Ppid: 1, Pgid: 1, Sid: 7, StartTimeNs: 99},
	}
	fork.Type = types.EventProcessFork
	require.NoError(t, handle(t, r, fork))

	exec := &types.ProcessExecEvent{
		Pids:  types.PidInfo{Tid: 42, Tgid: 42, Ppid: 1},
		Creds: types.CredInfo{Ruid: 1000, Euid: 0},
		Ctty:  types.TtyDev{Major: 136, Minor: 3},
	}
	exec.Type = types.EventProcessExec
	copy(exec.Filename[:], "/usr/bin/curl")
	copy(exec.Argv[:], "curl\x00-s\x00example.com\x00")
	copy(exec.Env[:], "K8S_USER=alice")
	require.NoError(t, handle(t, r, exec))

	exit := &types.ProcessExitEvent{Pids: types.PidInfo{Tgid: 42}, ExitCode: 3}
	exit.Type = types.EventProcessExit
	require.NoError(t, handle(t, r, exit))

	setsid := &types.ProcessSetsidEvent{Pids: types.PidInfo{Tgid: 42, Sid: 42}}
	setsid.Type = types.EventProcessSetsid
	require.NoError(t, handle(t, r, setsid))

	got := lines(t, &out)
	require.Len(t, got, 4)

	assert.Equal(t, "PROCESS_FORK", got[0]["event_type"])
	child := got[0]["child_pids"].(map[string]any)
	assert.EqualValues(t, 42, child["tid"])
	assert.EqualValues(t, 7, child["sid"])
	assert.EqualValues(t, 99, child["start_time_ns"])

	assert.Equal(t, "PROCESS_EXEC", got[1]["event_type"])
	assert.Equal(t, "/usr/bin/curl", got[1]["filename"])
	assert.Equal(t, "curl -s example.com", got[1]["argv"])
	assert.Equal(t, "K8S_USER=alice", got[1]["env"])
	assert.EqualValues(t, 1000, got[1]["creds"].(map[string]any)["ruid"])
	assert.Equal(t, map[string]any{"major": 136.0, "minor": 3.0}, got[1]["ctty"])
	assert.NotContains(t, got[1], "ruser")

	assert.EqualValues(t, 3, got[2]["exit_code"])
	assert.Equal(t, "PROCESS_SETSID", got[3]["event_type"])
	assert.EqualValues(t, 42, got[3]["pids"].(map[string]any)["sid"])
}

func TestRenderFileDeleteAndNetwork(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, Options{})

	del := &types.FileDeleteEvent{Pids: types.PidInfo{Tgid: 9}}
	del.Type = types.EventFileDelete
	copy(del.Path.Components[0][:], "tmp")
	copy(del.Path.Components[1][:], "a.txt")
	del.Path.Len = 2
	require.NoError(t, handle(t, r, del))

	v4 := &types.NetworkEvent{Net: types.NetInfo{
		Transport: types.TransportTCP, Family: types.FamilyInet,
		Sport: 40000, Dport: 443, Netns: 4026531840,
	}}
	v4.Type = types.EventNetworkConnectionAttempted
	copy(v4.Net.Saddr[:], net.ParseIP("10.0.0.2").To4())
	copy(v4.Net.Daddr[:], net.ParseIP("93.184.216.34").To4())
	copy(v4.Comm[:], "curl")
	require.NoError(t, handle(t, r, v4))

	v6 := &types.NetworkEvent{Net: types.NetInfo{Transport: types.TransportTCP, Family: types.FamilyInet6, Dport: 22}}
	v6.Type = types.EventNetworkConnectionAccepted
	copy(v6.Net.Saddr[:], net.ParseIP("fe80::1"))
	copy(v6.Net.Daddr[:], net.ParseIP("::1"))
	require.NoError(t, handle(t, r, v6))

	assert.Zero(t, out.Len(), "buffered output should not reach the writer before Flush")
	require.NoError(t, r.Flush())

	got := lines(t, &out)
	require.Len(t, got, 3)
	assert.Equal(t, "/tmp/a.txt", got[0]["path"])
	assert.Contains(t, got[0], "pid_info")

	n := got[1]["net"].(map[string]any)
	assert.Equal(t, "TCP", n["transport"])
	assert.Equal(t, "AF_INET", n["family"])
	assert.Equal(t, "10.0.0.2", n["source_address"])
	assert.Equal(t, "93.184.216.34", n["destination_address"])
	assert.EqualValues(t, 40000, n["source_port"])
	assert.EqualValues(t, 443, n["destination_port"])
	assert.EqualValues(t, 4026531840, n["network_namespace"])
	assert.Equal(t, "curl", got[1]["comm"])

	n = got[2]["net"].(map[string]any)
	assert.Equal(t, "NETWORK_CONNECTION_ACCEPTED", got[2]["event_type"])
	assert.Equal(t, "AF_INET6", n["family"])
	assert.Equal(t, "fe80::1", n["source_address"])
	assert.Equal(t, "::1", n["destination_address"])
}

func TestRenderUnknownType(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, Options{Unbuffered: true})
	raw := make([]byte, types.HeaderSize)
	types.ByteOrder.PutUint64(raw, 1<<40)
	hdr, err := types.DecodeHeader(raw)
	require.NoError(t, err)

	err = r.Handler()(events.Record{Header: hdr, Raw: raw})
	assert.Error(t, err)
	assert.Zero(t, out.Len())
}

func TestRenderExecWithUsers(t *testing.T) {
	users, err := NewUserCache(4)
	require.NoError(t, err)
	calls := 0
	users.lookup = func(uid string) (string, error) {
		calls++
		if uid == "1000" {
			return "alice", nil
		}
		return "", errors.New("unknown user")
	}

	var out bytes.Buffer
	r := New(&out, Options{Unbuffered: true, Users: users})
	exec := &types.ProcessExecEvent{Creds: types.CredInfo{Ruid: 1000}}
	exec.Type = types.EventProcessExec
	require.NoError(t, handle(t, r, exec))
	require.NoError(t, handle(t, r, exec))

	got := lines(t, &out)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[1]["ruser"])
	assert.Equal(t, 1, calls)
}

func TestUserCache(t *testing.T) {
	_, err := NewUserCache(0)
	assert.Error(t, err)

	users, err := NewUserCache(2)
	require.NoError(t, err)
	calls := map[string]int{}
	users.lookup = func(uid string) (string, error) {
		calls[uid]++
		if uid == "0" {
			return "root", nil
		}
		return "", errors.New("unknown user")
	}

	assert.Equal(t, "root", users.Lookup(0))
	assert.Equal(t, "root", users.Lookup(0))
	assert.Equal(t, "", users.Lookup(4242))
	assert.Equal(t, "", users.Lookup(4242))
	assert.Equal(t, 1, calls["0"])
	assert.Equal(t, 1, calls["4242"])

	users.Lookup(7)
	assert.Equal(t, 2, users.Len())
	users.Lookup(0)
	assert.Equal(t, 2, calls["0"], "oldest entry should have been evicted")
}
