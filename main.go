// Command eventstrace prints kernel process, file and network events as
// JSON lines.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/config"
	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/platform"
	"github.com/jnesss/eventstrace/render"
)

const userCacheSize = 1024

type options struct {
	configPath       string
	events           []string
	printInitialized bool
	unbufferStdout   bool
	libbpfVerbose    bool
	bpfTrampoline    bool
	bpfObject        string
	simulate         bool
	dropPrivileges   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "eventstrace [flags]",
		Short: "Trace process, file and network events from the kernel",
		Example: `  eventstrace --events process_exec,process_exit
  eventstrace --set-bpf-tramp --print-initialized --unbuffer-stdout
  eventstrace --simulate`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path of the YAML configuration file")
	f.StringSliceVarP(&opts.events, "events", "e", nil, "Event types to trace (default all)")
	f.BoolVar(&opts.printInitialized, "print-initialized", false, "Print a line once the probes are attached")
	f.BoolVar(&opts.unbufferStdout, "unbuffer-stdout", false, "Flush stdout after every event")
	f.BoolVar(&opts.libbpfVerbose, "libbpf-verbose", false, "Log verifier output and debug messages")
	f.BoolVar(&opts.bpfTrampoline, "set-bpf-tramp", false, "Attach fentry/fexit programs instead of kprobes")
	f.StringVar(&opts.bpfObject, "bpf-object", "", "Path of the compiled probe object")
	f.BoolVar(&opts.simulate, "simulate", false, "Trace a synthetic workload in process instead of the kernel")
	f.BoolVar(&opts.dropPrivileges, "drop-privileges", false, "Drop to SUDO_USER once the probes are attached")
	return cmd
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set explicitly on top of it.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("events") {
		cfg.Events = opts.events
	}
	if f.Changed("set-bpf-tramp") {
		cfg.BPFTrampoline = opts.bpfTrampoline
	}
	if f.Changed("bpf-object") {
		cfg.BPFObject = opts.bpfObject
	}
	if opts.libbpfVerbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if level == "debug" {
		logConfig = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig.Level = lvl
	logConfig.OutputPaths = []string{"stderr"}
	return logConfig.Build()
}

func run(ctx context.Context, cfg *config.Config, opts *options) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	mask, err := cfg.EventMask()
	if err != nil {
		return err
	}
	functions, err := cfg.FunctionTable()
	if err != nil {
		return err
	}

	users, err := render.NewUserCache(userCacheSize)
	if err != nil {
		return err
	}
	out := render.New(os.Stdout, render.Options{Unbuffered: opts.unbufferStdout, Users: users})
	defer out.Flush()

	var (
		attacher events.Attacher
		sim      *simulation
	)
	if opts.simulate {
		if sim, err = newSimulation(cfg, functions, logger); err != nil {
			return err
		}
		attacher = sim.backend
	} else {
		attacher = platform.New(platform.Options{
			Object:      cfg.BPFObject,
			ConsumerPid: cfg.ResolvedConsumerPid(),
			RingSize:    cfg.RingSize,
			Functions:   functions,
			VerifierLog: opts.libbpfVerbose,
		}, logger)
	}

	evctx, err := events.New(attacher, out.Handler(), cfg.Features(), mask, logger)
	if err != nil {
		if errors.Is(err, platform.ErrNotSupported) {
			logger.Error("eBPF capture is not available on this platform, try --simulate")
		}
		return err
	}
	defer evctx.Close()

	if opts.dropPrivileges {
		if err := dropPrivileges(); err != nil {
			logger.Warn("Failed to drop privileges", zap.Error(err))
		}
	}

	if opts.printInitialized {
		if err := out.Line(map[string]bool{"probes_initialized": true}); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}

	if sim != nil {
		return sim.run(evctx, cfg.PollTimeout)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("Tracing events... Press Ctrl+C to exit", zap.Stringer("events", mask))
	if err := evctx.Run(ctx, cfg.PollTimeout); err != nil {
		return err
	}
	st := evctx.Stats()
	logger.Info("Shutting down",
		zap.Uint64("dispatched", st.Dispatched),
		zap.Uint64("malformed", st.Malformed),
		zap.Uint64("handler_errors", st.HandlerErrors))
	return nil
}
