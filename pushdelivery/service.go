package pushdelivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-push-delivery/internal/orchestrator"
	"github.com/tinywideclouds/go-push-delivery/internal/pipeline"
	"github.com/tinywideclouds/go-push-delivery/internal/sweep"
	"github.com/tinywideclouds/go-push-delivery/pushdelivery/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[orchestrator.SendRequest]
	sweeper         *sweep.Sweeper
	sweepInterval   time.Duration
	sweepCancel     context.CancelFunc
	sweepDone       chan struct{}
	logger          *slog.Logger
}

// New assembles the delivery service: the ingestion pipeline feeding the
// orchestrator, plus the background sweeper that drains deferred and
// retry-scheduled notifications.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	orc *orchestrator.Orchestrator,
	sweeper *sweep.Sweeper,
	logger *slog.Logger,
) (*Wrapper, error) {

	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	processor := pipeline.NewProcessor(orc, logger)

	streamingService, err := messagepipeline.NewStreamingService[orchestrator.SendRequest](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.SendRequestTransformer,
		processor,
		slog.New(slog.DiscardHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		sweeper:         sweeper,
		sweepInterval:   cfg.Sweep.Interval,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	w.sweepCancel = cancel
	w.sweepDone = make(chan struct{})
	go w.runSweepLoop(sweepCtx)

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error

	if w.sweepCancel != nil {
		w.sweepCancel()
		select {
		case <-w.sweepDone:
		case <-ctx.Done():
			w.logger.Warn("Timed out waiting for sweep loop to stop.")
		}
	}

	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

// runSweepLoop runs the sweeper on a fixed interval until ctx is cancelled.
// An errored pass is logged and the loop keeps going; transient backend
// failures must not kill deferred delivery.
func (w *Wrapper) runSweepLoop(ctx context.Context) {
	defer close(w.sweepDone)

	w.logger.Info("Sweep loop starting.", "interval", w.sweepInterval)
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sweep loop stopping.")
			return
		case <-ticker.C:
			if _, err := w.sweeper.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("Sweep pass failed.", "err", err)
			}
		}
	}
}
