package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/config"
	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/locator"
	"github.com/jnesss/eventstrace/simkernel"
)

// simulation drives the populators against a synthetic kernel.
type simulation struct {
	backend *simkernel.Backend
	log     *zap.Logger
}

func newSimulation(cfg *config.Config, functions locator.Table, log *zap.Logger) (*simulation, error) {
	pc, err := cfg.ProbeConfig()
	if err != nil {
		return nil, err
	}
	b := simkernel.NewBackend(simkernel.New(cfg.Layout), pc, log)
	b.RingSize = cfg.RingSize
	b.Functions = functions
	return &simulation{backend: b, log: log}, nil
}

// run plays the workload once and drains its records.
func (s *simulation) run(evctx *events.Context, timeout time.Duration) error {
	if err := s.backend.RunWorkload(); err != nil {
		s.log.Warn("Workload step failed", zap.Error(err))
	}
	for {
		n, err := evctx.Next(timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	st := s.backend.Probes().Stats()
	s.log.Info("Simulation finished",
		zap.Uint64("submitted", st.Submitted),
		zap.Uint64("filtered", st.Filtered),
		zap.Uint64("failed", st.Failed),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("partial", st.Partial))
	return nil
}
