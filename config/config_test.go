package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/eventstrace/config"
	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/extract"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/types"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventstrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, ""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultRingSize, cfg.RingSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.SkipKernelThreads)
	assert.Equal(t, extract.EnvFilter{Prefix: "K8S_USER", MaxCandidates: 16}, cfg.EnvFilter)
	assert.Equal(t, 32, cfg.PathMaxDepth)
	assert.Equal(t, extract.DefaultLayout(), cfg.Layout)

	mask, err := cfg.EventMask()
	require.NoError(t, err)
	assert.Equal(t, types.AllEvents, mask)
	assert.Zero(t, cfg.Features())
	assert.Equal(t, uint32(os.Getpid()), cfg.ResolvedConsumerPid())
}

const fullYAML = `
consumer_pid: 4242
events: [process_exec, network]
bpf_trampoline: true
btf_args: true
ring_size: 8192
poll_timeout: 25ms
log_level: debug
skip_kernel_threads: false
env_filter:
  prefix: TEAM
  max_candidates: 4
path_max_depth: 8
layout:
  task_struct:
    pid: 0x100
  dentry:
    d_parent: 0x20
functions:
  vfs_unlink:
    - {slot: arg, name: dentry, source: register, register: 1}
    - {slot: ret, source: return_register}
  tcp_close:
    - {slot: arg, name: sk, source: context, offset: 0, exists: false}
`

func TestLoadConfigFull(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, uint32(4242), cfg.ResolvedConsumerPid())
	assert.Equal(t, 8192, cfg.RingSize)
	assert.Equal(t, 25*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, events.FeatureBPFTrampoline|events.FeatureBTFArgs, cfg.Features())

	pc, err := cfg.ProbeConfig()
	require.NoError(t, err)
	assert.Equal(t, types.EventProcessExec|types.NetworkEvents, pc.Events)
	assert.False(t, pc.SkipKernelThreads)
	assert.Equal(t, extract.EnvFilter{Prefix: "TEAM", MaxCandidates: 4}, pc.Env)
	assert.Equal(t, 8, pc.PathMaxDepth)

	def := extract.DefaultLayout()
	assert.Equal(t, uint64(0x100), cfg.Layout.Task.Pid)
	assert.Equal(t, def.Task.Tgid, cfg.Layout.Task.Tgid, "unset offsets keep their defaults")
	assert.Equal(t, uint64(0x20), cfg.Layout.Dentry.Parent)
	assert.Equal(t, def.Dentry.NameName, cfg.Layout.Dentry.NameName)

	table, err := cfg.FunctionTable()
	require.NoError(t, err)
	assert.Equal(t, []locator.Slot{
		{Kind: locator.SlotArg, Name: "dentry", Exists: true, Rule: locator.Rule{Source: locator.SourceRegister, Register: 1}},
		{Kind: locator.SlotRet, Exists: true, Rule: locator.Rule{Source: locator.SourceReturnRegister}},
	}, table["vfs_unlink"])
	assert.False(t, table["tcp_close"][0].Exists)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown event":     "events: [process_teleport]",
		"ring size":         "ring_size: 1000",
		"log level":         "log_level: chatty",
		"negative pid":      "consumer_pid: -1",
		"path depth":        "path_max_depth: 64",
		"bad slot":          "functions: {f: [{slot: both, source: register}]}",
		"bad source":        "functions: {f: [{slot: arg, name: a, source: stack}]}",
		"register range":    "functions: {f: [{slot: arg, name: a, source: register, register: 5}]}",
		"misaligned offset": "functions: {f: [{slot: arg, name: a, source: context, offset: 4}]}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadConfig(writeTemp(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config:")
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = config.LoadConfig(writeTemp(t, "ring_size: [1"))
	assert.ErrorContains(t, err, "cannot parse")
}

func TestRegisterRangeSurfacesLocatorError(t *testing.T) {
	_, err := config.Parse([]byte("functions: {f: [{slot: arg, name: a, source: register, register: 7}]}"))
	assert.ErrorIs(t, err, locator.ErrRegisterRange)
}
