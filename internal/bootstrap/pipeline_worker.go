package bootstrap

import (
	"context"

	"pipeline_server/adapter/in/worker"
	"pipeline_server/core/domain"
	"pipeline_server/core/service/analysis"
	"pipeline_server/pkg/logger"
)

// Worker hosts the three phase pools and the queue maintainer.
type Worker struct {
	deps       *Dependencies
	pools      []*worker.PhasePool
	maintainer *worker.Maintainer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker wires the worker runtime.
func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	log := zlog()

	phase1 := worker.NewPhase1Processor(
		deps.EmailRepo, deps.BodyRepo, deps.Queue,
		deps.RuleEngine, deps.ChainAnalyzer, deps.Hub,
	)
	phase2 := worker.NewPhase2Processor(
		deps.EmailRepo, deps.BodyRepo, deps.Queue,
		analysis.NewPhase2Analyzer(deps.LLMClient), deps.ChainAnalyzer, deps.Hub,
	)
	phase3 := worker.NewPhase3Processor(
		deps.EmailRepo, deps.BodyRepo,
		analysis.NewPhase3Analyzer(deps.LLMClient), deps.ChainAnalyzer, deps.ChainRepo, deps.Hub,
	)
	handler := worker.NewHandler(phase1, phase2, phase3)

	buildPool := func(phase domain.Phase, workers int) *worker.PhasePool {
		poolCfg := worker.DefaultPoolConfig(phase)
		if workers > 0 {
			poolCfg.Workers = workers
		}
		poolCfg.DrainWindow = cfg.DrainWindow()
		poolCfg.HighWater = cfg.QueueHighWater
		switch phase {
		case domain.Phase1:
			poolCfg.Budget = cfg.Phase1Budget()
		case domain.Phase2:
			poolCfg.Budget = cfg.Phase2Budget()
		case domain.Phase3:
			poolCfg.Budget = cfg.Phase3Budget()
		}
		return worker.NewPhasePool(poolCfg, deps.Queue, handler, deps.LLMClient, deps.Hub, log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		deps: deps,
		pools: []*worker.PhasePool{
			buildPool(domain.Phase1, cfg.WorkersPhase1),
			buildPool(domain.Phase2, cfg.WorkersPhase2),
			buildPool(domain.Phase3, cfg.WorkersPhase3),
		},
		maintainer: worker.NewMaintainer(deps.Queue, deps.Hub, log),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the maintainer and the pools. Non-blocking.
func (w *Worker) Start() {
	go w.maintainer.Run(w.ctx)
	for _, pool := range w.pools {
		pool.Start()
	}
	logger.Info("Worker runtime started (phase1=%d, phase2=%d, phase3=%d workers)",
		w.deps.Config.WorkersPhase1, w.deps.Config.WorkersPhase2, w.deps.Config.WorkersPhase3)
}

// Stop drains the pools within the drain window, then stops maintenance.
func (w *Worker) Stop() {
	for _, pool := range w.pools {
		pool.Stop()
	}
	w.cancel()
	logger.Info("Worker runtime stopped")
}
