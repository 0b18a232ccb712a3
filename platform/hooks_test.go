package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/types"
)

func programs(as []Attachment) []string {
	var names []string
	for _, a := range as {
		names = append(names, a.Program)
	}
	return names
}

func TestAttachmentsTrampoline(t *testing.T) {
	as := Attachments(types.AllEvents, locator.ModeTrampoline)
	assert.Equal(t, []string{
		"tracepoint__sched_process_fork",
		"tracepoint__sched_process_exec",
		"tracepoint__sched_process_exit",
		"fexit__ksys_setsid",
		"fexit__vfs_unlink",
		"fexit__tcp_v4_connect",
		"fexit__tcp_v6_connect",
		"fexit__inet_csk_accept",
		"fentry__tcp_close",
	}, programs(as))

	for _, a := range as {
		if a.Kind == AttachTracepoint {
			assert.Equal(t, "sched", a.Group)
			assert.False(t, a.Optional, a.Program)
		} else {
			assert.True(t, a.Optional, a.Program)
		}
	}
}

func TestAttachmentsKprobeSavesArguments(t *testing.T) {
	as := Attachments(types.EventFileDelete|types.EventProcessSetsid|types.EventNetworkConnectionClosed, locator.ModeKprobe)
	assert.Equal(t, []string{
		"kretprobe__ksys_setsid",
		"kprobe__vfs_unlink",
		"kretprobe__vfs_unlink",
		"kprobe__tcp_close",
	}, programs(as))
	for _, a := range as {
		assert.Empty(t, a.Group)
	}
}

func TestAttachmentsFollowMask(t *testing.T) {
	assert.Empty(t, Attachments(0, locator.ModeKprobe))

	as := Attachments(types.EventNetworkConnectionAttempted, locator.ModeTrampoline)
	require.Len(t, as, 2)
	assert.Equal(t, probe.FuncTCPV4Connect, as[0].Target)
	assert.Equal(t, probe.FuncTCPV6Connect, as[1].Target)
	assert.Equal(t, AttachFexit, as[0].Kind)
}

func TestAttachmentsCoverArgumentTable(t *testing.T) {
	as := Attachments(types.AllEvents, locator.ModeKprobe)
	targets := map[string]bool{}
	for _, a := range as {
		targets[a.Target] = true
	}
	for fn := range probe.DefaultTable(locator.ModeKprobe) {
		assert.True(t, targets[fn], "no attachment for %s", fn)
	}
}

func TestAttachKindString(t *testing.T) {
	assert.Equal(t, "kretprobe", AttachKretprobe.String())
	assert.Equal(t, "unknown", AttachKind(99).String())
}
