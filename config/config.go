// Package config loads the eventstrace YAML configuration. Every field has
// a default, so an empty file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/extract"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/probe"
	"github.com/jnesss/eventstrace/types"
)

// Defaults.
const (
	DefaultRingSize      = 4096 * 64
	DefaultPollTimeout   = 10 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultEnvPrefix     = "K8S_USER"
	DefaultEnvCandidates = 16
	DefaultPathMaxDepth  = types.PathMaxComponents
	DefaultBPFObject     = "/usr/share/eventstrace/EventProbe.bpf.o"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config is the top-level configuration.
type Config struct {
	// ConsumerPid is exempt from capture. Zero means this process.
	ConsumerPid int `yaml:"consumer_pid"`
	// Events names the requested event types. Empty means all.
	Events []string `yaml:"events"`
	// BPFTrampoline selects fentry/fexit programs over kprobes.
	BPFTrampoline bool `yaml:"bpf_trampoline"`
	// BTFArgs derives argument locations from the running kernel's BTF.
	BTFArgs bool `yaml:"btf_args"`
	// RingSize is the ring capacity in bytes, a power of two.
	RingSize    int           `yaml:"ring_size"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// BPFObject is the compiled probe object loaded on Linux.
	BPFObject string `yaml:"bpf_object"`
	LogLevel  string `yaml:"log_level"`

	SkipKernelThreads bool              `yaml:"skip_kernel_threads"`
	EnvFilter         extract.EnvFilter `yaml:"env_filter"`
	PathMaxDepth      int               `yaml:"path_max_depth"`

	// Layout overrides individual kernel struct offsets.
	Layout extract.Layout `yaml:"layout"`
	// Functions overrides argument and return locations per kernel
	// function.
	Functions map[string][]FunctionSlot `yaml:"functions"`
}

// FunctionSlot is the YAML form of one locator slot.
type FunctionSlot struct {
	Slot     string `yaml:"slot"` // arg or ret
	Name     string `yaml:"name"`
	Source   string `yaml:"source"` // register, context or return_register
	Register int    `yaml:"register"`
	Offset   uint32 `yaml:"offset"`
	// Exists defaults to true.
	Exists *bool `yaml:"exists"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		SkipKernelThreads: true,
		Layout:            extract.DefaultLayout(),
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.BPFObject == "" {
		cfg.BPFObject = DefaultBPFObject
	}
	if cfg.EnvFilter.Prefix == "" {
		cfg.EnvFilter.Prefix = DefaultEnvPrefix
	}
	if cfg.EnvFilter.MaxCandidates == 0 {
		cfg.EnvFilter.MaxCandidates = DefaultEnvCandidates
	}
	if cfg.PathMaxDepth == 0 {
		cfg.PathMaxDepth = DefaultPathMaxDepth
	}
}

// Validate reports every invalid field.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.ConsumerPid < 0 {
		errs = append(errs, fmt.Errorf("consumer_pid %d must not be negative", cfg.ConsumerPid))
	}
	if _, err := cfg.EventMask(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if cfg.RingSize < 16 || cfg.RingSize&(cfg.RingSize-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_size %d must be a power of two of at least 16", cfg.RingSize))
	}
	if cfg.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("poll_timeout %s must be positive", cfg.PollTimeout))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.EnvFilter.MaxCandidates < 0 {
		errs = append(errs, fmt.Errorf("env_filter.max_candidates %d must be positive", cfg.EnvFilter.MaxCandidates))
	}
	if cfg.PathMaxDepth < 0 || cfg.PathMaxDepth > types.PathMaxComponents {
		errs = append(errs, fmt.Errorf("path_max_depth %d must be between 1 and %d", cfg.PathMaxDepth, types.PathMaxComponents))
	}
	if overrides, err := cfg.FunctionTable(); err != nil {
		errs = append(errs, err)
	} else if _, err := locator.Compile(overrides); err != nil {
		errs = append(errs, fmt.Errorf("functions: %w", err))
	}

	return errors.Join(errs...)
}

// EventMask returns the requested event types.
func (cfg *Config) EventMask() (types.EventType, error) {
	return types.ParseEventMask(cfg.Events)
}

// Features returns the capture features selected by the configuration.
func (cfg *Config) Features() events.Feature {
	var f events.Feature
	if cfg.BPFTrampoline {
		f |= events.FeatureBPFTrampoline
	}
	if cfg.BTFArgs {
		f |= events.FeatureBTFArgs
	}
	return f
}

// ResolvedConsumerPid returns the pid exempt from capture.
func (cfg *Config) ResolvedConsumerPid() uint32 {
	if cfg.ConsumerPid == 0 {
		return uint32(unix.Getpid())
	}
	return uint32(cfg.ConsumerPid)
}

// ProbeConfig returns the populator configuration.
func (cfg *Config) ProbeConfig() (probe.Config, error) {
	mask, err := cfg.EventMask()
	if err != nil {
		return probe.Config{}, err
	}
	return probe.Config{
		ConsumerPid:       cfg.ResolvedConsumerPid(),
		Events:            mask,
		SkipKernelThreads: cfg.SkipKernelThreads,
		Env:               cfg.EnvFilter,
		PathMaxDepth:      cfg.PathMaxDepth,
	}, nil
}

// FunctionTable converts the functions section into a locator table.
func (cfg *Config) FunctionTable() (locator.Table, error) {
	t := make(locator.Table, len(cfg.Functions))
	for fn, slots := range cfg.Functions {
		for i, fs := range slots {
			s, err := fs.slot()
			if err != nil {
				return nil, fmt.Errorf("functions.%s[%d]: %w", fn, i, err)
			}
			t[fn] = append(t[fn], s)
		}
	}
	return t, nil
}

func (fs FunctionSlot) slot() (locator.Slot, error) {
	s := locator.Slot{Name: fs.Name, Exists: fs.Exists == nil || *fs.Exists}
	switch strings.ToLower(fs.Slot) {
	case "arg", "":
		s.Kind = locator.SlotArg
	case "ret":
		s.Kind = locator.SlotRet
	default:
		return s, fmt.Errorf("slot %q must be arg or ret", fs.Slot)
	}
	switch strings.ToLower(fs.Source) {
	case "register":
		s.Rule = locator.Rule{Source: locator.SourceRegister, Register: fs.Register}
	case "context":
		s.Rule = locator.Rule{Source: locator.SourceContext, Offset: fs.Offset}
	case "return_register":
		s.Rule = locator.Rule{Source: locator.SourceReturnRegister}
	default:
		return s, fmt.Errorf("source %q must be one of: register, context, return_register", fs.Source)
	}
	return s, nil
}
